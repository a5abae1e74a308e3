package sentry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
)

var sentryEnabled atomic.Bool

func Init(dsn, environment, release string) (*sentryhttp.Handler, error) {
	if dsn == "" {
		sentryEnabled.Store(false)
		return nil, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	}); err != nil {
		sentryEnabled.Store(false)
		return nil, err
	}
	sentryEnabled.Store(true)
	return sentryhttp.New(sentryhttp.Options{
		Repanic:         true,
		WaitForDelivery: true,
		Timeout:         5 * time.Second,
	}), nil
}

func Enabled() bool {
	return sentryEnabled.Load()
}

// CaptureLifecycleEvent reports a process start/stop as a Sentry breadcrumb
// message, so an operator can tell from Sentry alone when a web or worker
// role instance came up or went down without cross-referencing log
// aggregation — useful when a delivery-lag alert needs to be correlated
// against a deploy or a crash loop.
func CaptureLifecycleEvent(phase string, tags map[string]string, extras map[string]any) {
	if !Enabled() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("event", "lifecycle")
		scope.SetTag("lifecycle_phase", phase)
		scope.SetLevel(sentry.LevelInfo)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		for k, v := range extras {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(fmt.Sprintf("wa_delivery.lifecycle.%s", phase))
	})
}

func Flush(timeout time.Duration) {
	if !Enabled() {
		return
	}
	sentry.Flush(timeout)
}
