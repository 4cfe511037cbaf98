// Package videolink builds meeting links for video-call sessions.
package videolink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/example/reservation-engine/internal/application"
)

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = "https://meet.jit.si/{room}"

// ErrInvalidTemplate reports a template that does not yield an absolute URL.
var ErrInvalidTemplate = errors.New("videolink: invalid template")

// TemplateProvider expands a URL template into a meeting link. Supported
// placeholders are {room}, {reservation} and {platform}; {room} is a fresh
// random room name per call.
type TemplateProvider struct {
	template string
	newRoom  func() string
}

var _ application.VideoLinkProvider = (*TemplateProvider)(nil)

// Option customises a TemplateProvider.
type Option func(*TemplateProvider)

// WithRoomGenerator replaces the uuid based room names.
func WithRoomGenerator(fn func() string) Option {
	return func(p *TemplateProvider) {
		if fn != nil {
			p.newRoom = fn
		}
	}
}

// NewTemplateProvider validates template and returns a provider.
func NewTemplateProvider(template string, opts ...Option) (*TemplateProvider, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		template = DefaultTemplate
	}
	p := &TemplateProvider{
		template: template,
		newRoom:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := p.render("room", "reservation", "platform"); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *TemplateProvider) CreateMeetingLink(ctx context.Context, req application.MeetingRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.ReservationID) == "" {
		return "", errors.New("videolink: reservation id is required")
	}
	return p.render(p.newRoom(), req.ReservationID, req.Platform)
}

func (p *TemplateProvider) render(room, reservation, platform string) (string, error) {
	replacer := strings.NewReplacer(
		"{room}", url.PathEscape(room),
		"{reservation}", url.PathEscape(reservation),
		"{platform}", url.PathEscape(platform),
	)
	link := replacer.Replace(p.template)
	parsed, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidTemplate, p.template)
	}
	return link, nil
}
