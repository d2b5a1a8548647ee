package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"firebase.google.com/go/messaging"

	"resqBack/internal/dispatch/feed"
	"resqBack/internal/dispatch/geo"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/session"
)

type stubLogger struct{}

func (stubLogger) Infof(string, ...interface{})  {}
func (stubLogger) Errorf(string, ...interface{}) {}

type stubSender struct {
	mu   sync.Mutex
	sent []*messaging.Message
	err  error
}

func (s *stubSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return "projects/x/messages/1", s.err
}

func candidateEvent(token string) session.Event {
	return session.Event{
		Type:      session.EventCandidate,
		Domain:    "ride",
		PartnerID: "d1",
		Remaining: 15,
		PushToken: token,
		Candidate: &feed.Candidate{
			Request:  repo.ServiceRequest{ID: "r1", RequesterName: "Asha"},
			Estimate: &geo.Estimate{DistanceKM: 2.34, ETAMinutes: 7},
		},
	}
}

func TestMessageForCandidate(t *testing.T) {
	msg, ok := Message(candidateEvent("tok"))
	if !ok {
		t.Fatalf("expected candidate push")
	}
	if msg.Token != "tok" || msg.Data["request_id"] != "r1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !strings.Contains(msg.Notification.Body, "2.3 km") || !strings.Contains(msg.Notification.Body, "15 seconds") {
		t.Fatalf("unexpected body %q", msg.Notification.Body)
	}
}

func TestMessageSkipsUnpushedEvents(t *testing.T) {
	if _, ok := Message(candidateEvent("")); ok {
		t.Fatalf("expected no push without token")
	}
	if _, ok := Message(session.Event{Type: session.EventCountdown, PushToken: "tok"}); ok {
		t.Fatalf("expected no push for countdown")
	}
}

func TestNotifySendsAsync(t *testing.T) {
	sender := &stubSender{}
	f := NewFCM(sender, stubLogger{})
	f.Notify(context.Background(), candidateEvent("tok"))
	f.Notify(context.Background(), session.Event{Type: session.EventJobReset, PushToken: "tok", Job: &repo.ServiceRequest{ID: "r1", Status: "cancelled_by_rider"}})
	f.Wait()
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(sender.sent))
	}
}

func TestNotifyLogsFailure(t *testing.T) {
	sender := &stubSender{err: errors.New("unregistered")}
	f := NewFCM(sender, stubLogger{})
	f.Notify(context.Background(), candidateEvent("tok"))
	f.Wait()
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(sender.sent))
	}
}
