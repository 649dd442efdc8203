package testfixtures

import (
	"log/slog"
	"time"

	"github.com/example/booking-core/internal/application"
	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/recurrence"
)

// ServiceFactory builds application services on a shared fixture clock
// and group key sequence.
type ServiceFactory struct {
	Clock     *Clock
	GroupKeys *GroupKeys
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	if factory.GroupKeys == nil {
		factory.GroupKeys = &GroupKeys{}
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// NotificationServiceDeps captures dependencies for constructing a
// notification service.
type NotificationServiceDeps struct {
	Store     persistence.Store
	Publisher application.LivePublisher
	Now       func() time.Time
	Logger    *slog.Logger
}

// NewNotificationService builds a notification service using the supplied
// dependencies combined with the factory defaults.
func (f *ServiceFactory) NewNotificationService(deps NotificationServiceDeps) *application.NotificationService {
	now := deps.Now
	if now == nil {
		now = f.Clock.NowFunc()
	}
	return application.NewNotificationServiceWithLogger(deps.Store, deps.Publisher, now, deps.Logger)
}

// BookingServiceDeps captures dependencies for constructing a booking service.
type BookingServiceDeps struct {
	Store    persistence.Store
	Engine   *recurrence.Engine
	Notifier *application.NotificationService
	GroupKey func() string
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewBookingService builds a booking service using the supplied dependencies
// combined with the factory defaults. Series group keys come from the
// factory's GroupKeys.
func (f *ServiceFactory) NewBookingService(deps BookingServiceDeps) *application.BookingService {
	groupKey := deps.GroupKey
	if groupKey == nil {
		groupKey = f.GroupKeys.Next
	}
	now := deps.Now
	if now == nil {
		now = f.Clock.NowFunc()
	}
	return application.NewBookingServiceWithLogger(
		deps.Store,
		deps.Engine,
		deps.Notifier,
		groupKey,
		now,
		deps.Logger,
	)
}
