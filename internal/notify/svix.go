package notify

import (
	"context"
	"fmt"
	"net/url"

	svix "github.com/svix/svix-webhooks/go"
	svixmodels "github.com/svix/svix-webhooks/go/models"
)

// The pipeline registers a single Svix application; subscribers attach
// their endpoints to it out of band.
const svixAppName = "Diamond Ingest Pipeline"

// SvixSender fans events out through Svix to any number of subscriber
// endpoints, with Svix handling retries and signing.
type SvixSender struct {
	client *svix.Svix
	appID  string
}

// NewSvixSender creates the sender and ensures the application exists.
// appUID is used as the Svix application UID so repeated boots find the
// same application.
func NewSvixSender(authToken, serverURL, appUID string) (*SvixSender, error) {
	var opts *svix.SvixOptions
	if serverURL != "" {
		u, err := url.Parse(serverURL)
		if err != nil {
			return nil, fmt.Errorf("parse svix server url: %w", err)
		}
		opts = &svix.SvixOptions{ServerUrl: u}
	}

	client, err := svix.New(authToken, opts)
	if err != nil {
		return nil, fmt.Errorf("create svix client: %w", err)
	}

	uid := appUID
	app, err := client.Application.GetOrCreate(context.Background(), svixmodels.ApplicationIn{
		Name: svixAppName,
		Uid:  &uid,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("svix create application: %w", err)
	}

	return &SvixSender{client: client, appID: app.Id}, nil
}

func (s *SvixSender) Send(ctx context.Context, eventType string, payload map[string]any) error {
	_, err := s.client.Message.Create(ctx, s.appID, svixmodels.MessageIn{
		EventType: eventType,
		Payload:   payload,
	}, nil)
	if err != nil {
		return fmt.Errorf("svix send message: %w", err)
	}
	return nil
}
