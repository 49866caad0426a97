package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

// PostmarkSender delivers through Postmark's transactional API.
type PostmarkSender struct {
	client *postmark.Client
	from   string
}

func NewPostmarkSender(serverToken, accountToken, from string) (*PostmarkSender, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if accountToken == "" {
		return nil, fmt.Errorf("%w: PostmarkAccountToken is required", ErrInvalidConfig)
	}
	if from == "" {
		return nil, fmt.Errorf("%w: from address is required", ErrInvalidConfig)
	}
	return &PostmarkSender{
		client: postmark.NewClient(serverToken, accountToken),
		from:   from,
	}, nil
}

// SetBaseURL points the client at another API host.
func (p *PostmarkSender) SetBaseURL(url string) {
	p.client.BaseURL = url
}

func (p *PostmarkSender) Send(ctx context.Context, e Email) error {
	msg := postmark.Email{
		From:     p.from,
		To:       e.To,
		Subject:  e.Subject,
		TextBody: e.Text,
		Tag:      "postcard-outcome",
	}
	if e.InReplyTo != "" {
		msg.Headers = []postmark.Header{
			{Name: "In-Reply-To", Value: "<" + e.InReplyTo + ">"},
			{Name: "References", Value: "<" + e.InReplyTo + ">"},
		}
	}

	resp, err := p.client.SendEmail(ctx, msg)
	code := resp.ErrorCode
	var apiErr postmark.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode
	}
	switch {
	case err == nil && code == 0:
		return nil
	case err == nil:
		err = fmt.Errorf("postmark error: %d - %s", code, resp.Message)
	}
	if recipientRejected(code) {
		return errors.Join(ErrFailedToSend, ErrRejected, err)
	}
	return errors.Join(ErrFailedToSend, err)
}

// Postmark error codes that will not change on retry: invalid email request,
// inactive recipient, forbidden attachment.
func recipientRejected(code int64) bool {
	switch code {
	case 300, 406, 411:
		return true
	}
	return false
}
