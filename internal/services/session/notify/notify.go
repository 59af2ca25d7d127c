// Package notify delivers session notices and navigation requests over the
// event bus.
package notify

import (
	"context"

	busdomain "github.com/louisbranch/commonroom/internal/services/bus/domain"
	"github.com/louisbranch/commonroom/internal/services/notifications/render"
)

// LandingPath is the public landing route.
const LandingPath = "/"

// Emitter is the bus surface used here.
type Emitter interface {
	Emit(channel string, payload any)
}

// Navigation is the payload of the navigation channel.
type Navigation struct {
	Path string `json:"path"`
}

// BusNotifier raises localized notifications on the bus.
type BusNotifier struct {
	bus       Emitter
	localizer render.Localizer
}

// NewBusNotifier builds a notifier. A nil localizer renders English.
func NewBusNotifier(bus Emitter, localizer render.Localizer) *BusNotifier {
	return &BusNotifier{bus: bus, localizer: localizer}
}

// NotifyUser emits one notification of the given type.
func (n *BusNotifier) NotifyUser(_ context.Context, notificationType string) {
	if n == nil || n.bus == nil {
		return
	}
	out := render.Render(n.localizer, render.Input{Type: notificationType})
	n.bus.Emit(busdomain.ChannelNotification, busdomain.Notification{
		Type:    notificationType,
		Title:   out.Title,
		Message: out.BodyText,
	})
}

// BusNavigator requests navigation through the bus.
type BusNavigator struct {
	bus Emitter
}

// NewBusNavigator builds a navigator.
func NewBusNavigator(bus Emitter) *BusNavigator {
	return &BusNavigator{bus: bus}
}

// ReturnToLanding emits the landing route on the navigation channel.
func (n *BusNavigator) ReturnToLanding(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.bus.Emit(busdomain.ChannelNavigation, Navigation{Path: LandingPath})
	return nil
}
