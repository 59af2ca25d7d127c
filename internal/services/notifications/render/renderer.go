// Package render produces localized notification copy for the portal.
package render

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Notification types with dedicated copy.
const (
	TypeAnnouncement          = "announcement"
	TypeAssignment            = "assignment"
	TypeSessionProfileTimeout = "session.profile_timeout"
	TypeSessionProviderError  = "session.provider_error"
	TypeSessionLogoutFailed   = "session.logout_failed"

	defaultGenericTitle = "Notification"
	defaultGenericBody  = "You have a new notification."
)

var supportedLanguages = []language.Tag{
	language.English,
	language.MustParse("pt-BR"),
}

var languageMatcher = language.NewMatcher(supportedLanguages)

// Input is one render request.
type Input struct {
	Type string
	// Subject is the item headline, e.g. an announcement title.
	Subject string
}

// Output is localized copy for one notification.
type Output struct {
	Title    string
	BodyText string
}

// Localizer is the minimal message-printer contract required by the renderer.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

// NewPrinter returns a printer for the best supported match of the
// requested locales, such as an Accept-Language value. English is the default.
func NewPrinter(locales ...string) *message.Printer {
	tag, _ := language.MatchStrings(languageMatcher, locales...)
	base, _ := tag.Base()
	region, _ := tag.Region()
	// Strip private-use extensions the matcher adds so catalog lookups hit.
	resolved, err := language.Compose(base, region)
	if err != nil {
		resolved = language.English
	}
	return message.NewPrinter(resolved)
}

// Render returns localized copy for one notification.
func Render(loc Localizer, input Input) Output {
	switch normalizeToken(input.Type) {
	case TypeAnnouncement:
		return itemOutput(loc, "notification.announcement", "New Announcement", input.Subject)
	case TypeAssignment:
		return itemOutput(loc, "notification.assignment", "New Assignment", input.Subject)
	case TypeSessionProfileTimeout:
		return errorOutput(loc, "notification.session.profile_timeout.body", "Failed to load user profile")
	case TypeSessionProviderError:
		return errorOutput(loc, "notification.session.provider_error.body", "Could not reach the sign-in service")
	case TypeSessionLogoutFailed:
		return errorOutput(loc, "notification.session.logout_failed.body", "Failed to log out")
	default:
		return genericOutput(loc)
	}
}

// Titles adapts a localizer to the event bus notification title contract.
type Titles struct {
	Localizer Localizer
}

// NotificationTitle returns the localized title for a notification type.
func (t Titles) NotificationTitle(notificationType string) string {
	return Render(t.Localizer, Input{Type: notificationType}).Title
}

func itemOutput(loc Localizer, prefix string, fallbackTitle string, subject string) Output {
	title := localizeWithFallback(loc, prefix+".title", fallbackTitle)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Output{Title: title, BodyText: localizeWithFallback(loc, "notification.generic.body", defaultGenericBody)}
	}
	return Output{Title: title, BodyText: subject}
}

func errorOutput(loc Localizer, bodyKey string, fallbackBody string) Output {
	return Output{
		Title:    localizeWithFallback(loc, "notification.error.title", "Error"),
		BodyText: localizeWithFallback(loc, bodyKey, fallbackBody),
	}
}

func genericOutput(loc Localizer) Output {
	return Output{
		Title:    localizeWithFallback(loc, "notification.generic.title", defaultGenericTitle),
		BodyText: localizeWithFallback(loc, "notification.generic.body", defaultGenericBody),
	}
}

func localize(loc Localizer, key message.Reference, args ...any) string {
	if loc == nil {
		if asString, ok := key.(string); ok {
			return asString
		}
		return ""
	}
	return loc.Sprintf(key, args...)
}

func localizeWithFallback(loc Localizer, key string, fallback string) string {
	value := strings.TrimSpace(localize(loc, key))
	if value == "" || value == key {
		return fallback
	}
	return value
}

func normalizeToken(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
