package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"hookrelay/internal/platform/models"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultProduct   = "HookRelay"
	maxResponseDrain = 4 << 10
	timestampFormat  = "2006-01-02T15:04:05.000Z"
)

// DeliveryError describes a failed attempt. Every DeliveryError is retryable;
// whether another attempt happens is up to the RetryPolicy.
type DeliveryError struct {
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("endpoint returned HTTP %d", e.StatusCode)
	case e.Timeout:
		return fmt.Sprintf("request timed out: %v", e.Err)
	default:
		return fmt.Sprintf("request failed: %v", e.Err)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// errUnsendable marks a delivery whose request cannot be built at all.
var errUnsendable = errors.New("delivery request cannot be built")

type SendResult struct {
	StatusCode int
	Duration   time.Duration
}

// Sender performs one outbound POST per call.
type Sender struct {
	client    *http.Client
	userAgent string
	now       func() time.Time
}

func NewSender(timeout time.Duration, product string) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if product == "" {
		product = DefaultProduct
	}
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: product + "/1.0",
		now:       time.Now,
	}
}

// Send POSTs the stored payload and signature. Any 2xx is success; anything
// else, including network errors and timeouts, is a *DeliveryError.
func (s *Sender) Send(ctx context.Context, d *models.Delivery) (*SendResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnsendable, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Webhook-Signature", d.Signature)
	req.Header.Set("X-Webhook-Event", d.EventType)
	req.Header.Set("X-Webhook-ID", d.ID)
	req.Header.Set("X-Webhook-Timestamp", s.now().UTC().Format(timestampFormat))

	start := time.Now()
	resp, err := s.client.Do(req)
	result := &SendResult{Duration: time.Since(start)}
	if err != nil {
		return result, &DeliveryError{Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	result.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &DeliveryError{StatusCode: resp.StatusCode}
	}
	return result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
