package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"firebase.google.com/go/messaging"

	"resqBack/internal/dispatch/session"
)

// Logger is a minimal logger interface required by push notifiers.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Sender sends a push message. *messaging.Client implements it.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCM pushes new candidates and job resets to the partner's device, so a
// partner with the app in background still sees the countdown start.
type FCM struct {
	sender  Sender
	logger  Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewFCM creates a push notifier.
func NewFCM(sender Sender, logger Logger) *FCM {
	return &FCM{sender: sender, logger: logger, timeout: 5 * time.Second}
}

// Message builds the push for an event. ok is false for events that are
// not pushed or have no device token.
func Message(ev session.Event) (*messaging.Message, bool) {
	if ev.PushToken == "" {
		return nil, false
	}
	var title, body string
	data := map[string]string{
		"type":   string(ev.Type),
		"domain": ev.Domain,
	}
	switch ev.Type {
	case session.EventCandidate:
		if ev.Candidate == nil {
			return nil, false
		}
		req := ev.Candidate.Request
		title = "New request"
		body = fmt.Sprintf("%s needs help. Respond within %d seconds.", displayName(req.RequesterName), ev.Remaining)
		data["request_id"] = req.ID
		if ev.Candidate.Estimate != nil {
			body = fmt.Sprintf("%s, %.1f km away. Respond within %d seconds.", displayName(req.RequesterName), ev.Candidate.Estimate.DistanceKM, ev.Remaining)
		}
	case session.EventJobReset:
		if ev.Job == nil {
			return nil, false
		}
		title = "Job ended"
		body = fmt.Sprintf("Request %s is %s.", ev.Job.ID, ev.Job.Status)
		data["request_id"] = ev.Job.ID
		data["status"] = ev.Job.Status
	default:
		return nil, false
	}
	return &messaging.Message{
		Token: ev.PushToken,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority_channel",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: title, Body: body},
					Sound: "default",
				},
			},
		},
	}, true
}

func displayName(name string) string {
	if name == "" {
		return "A requester"
	}
	return name
}

// Notify implements session.Notifier. The push is sent asynchronously.
func (f *FCM) Notify(_ context.Context, ev session.Event) {
	msg, ok := Message(ev)
	if !ok {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		id, err := f.sender.Send(ctx, msg)
		if err != nil {
			f.logger.Errorf("fcm: push %s to partner %s failed: %v", ev.Type, ev.PartnerID, err)
			return
		}
		f.logger.Infof("fcm: push %s to partner %s sent: %s", ev.Type, ev.PartnerID, id)
	}()
}

// Wait blocks until in-flight pushes finish.
func (f *FCM) Wait() {
	f.wg.Wait()
}
