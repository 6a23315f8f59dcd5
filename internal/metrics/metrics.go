package metrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace prefixes every bothost collector.
const Namespace = "bothost"

// Register registers collector with the default registerer. When an equal
// collector is already registered (tests constructing several routers or
// registries) the existing one is returned instead.
func Register[T prometheus.Collector](collector T) T {
	if err := prometheus.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}
