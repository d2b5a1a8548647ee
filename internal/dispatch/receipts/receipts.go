package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/timeutil"
)

// Receipt is the archived summary of a completed request.
type Receipt struct {
	RequestID     string          `json:"request_id"`
	Domain        string          `json:"domain"`
	RequesterID   string          `json:"requester_id"`
	PartnerID     string          `json:"partner_id"`
	PartnerName   string          `json:"partner_name"`
	Items         []repo.BillItem `json:"items"`
	WaitingCharge float64         `json:"waiting_charge"`
	Total         float64         `json:"total"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// FromRequest builds the receipt of a completed request. Times are in the
// service timezone.
func FromRequest(req repo.ServiceRequest) Receipt {
	r := Receipt{
		RequestID:     req.ID,
		Domain:        req.Domain,
		RequesterID:   req.RequesterID,
		PartnerID:     req.PartnerID,
		PartnerName:   req.PartnerName,
		Items:         req.Bill,
		WaitingCharge: req.WaitingCharge,
	}
	if req.Fare != nil {
		r.Total = *req.Fare
	}
	if req.CompletedAt != nil {
		r.CompletedAt = timeutil.InLocal(*req.CompletedAt)
	}
	return r
}

// Key is the object key of a receipt.
func Key(r Receipt) string {
	return fmt.Sprintf("receipts/%s/%s.json", r.Domain, r.RequestID)
}

// Archive stores receipts and returns their URL.
type Archive interface {
	Put(ctx context.Context, r Receipt) (string, error)
}

// S3Config points to an S3 compatible bucket.
type S3Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
	PublicURL string
}

// S3Archive uploads receipts as JSON objects.
type S3Archive struct {
	client *s3.S3
	cfg    S3Config
}

// NewS3Archive creates an archive using static credentials.
func NewS3Archive(cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("receipts: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("receipts: %w", err)
	}
	return &S3Archive{client: s3.New(sess), cfg: cfg}, nil
}

// Put uploads the receipt.
func (a *S3Archive) Put(ctx context.Context, r Receipt) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	key := Key(r)
	_, err = a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("unable to upload receipt to S3: %w", err)
	}
	return a.url(key), nil
}

func (a *S3Archive) url(key string) string {
	if a.cfg.PublicURL != "" {
		return a.cfg.PublicURL + "/" + key
	}
	return fmt.Sprintf("%s/%s/%s", a.cfg.Endpoint, a.cfg.Bucket, key)
}

// MemoryArchive keeps receipts in memory.
type MemoryArchive struct {
	mu       sync.Mutex
	receipts map[string]Receipt
}

// NewMemoryArchive creates an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{receipts: make(map[string]Receipt)}
}

// Put implements Archive.
func (a *MemoryArchive) Put(_ context.Context, r Receipt) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := Key(r)
	a.receipts[key] = r
	return "mem://" + key, nil
}

// Get returns an archived receipt.
func (a *MemoryArchive) Get(key string) (Receipt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.receipts[key]
	return r, ok
}
