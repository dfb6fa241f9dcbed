package monitor

import "github.com/prometheus/client_golang/prometheus"

// Prometheus monitor metrics.
var (
	wakeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakewatch_wake_events_total",
			Help: "Wake events received, by debounce outcome.",
		},
		[]string{"outcome"},
	)
	powerOnAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakewatch_power_on_attempts_total",
			Help: "Power-on attempts made by the retry loop, by result.",
		},
		[]string{"result"},
	)
	probeCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakewatch_probe_cycles_total",
			Help: "Presence probe cycles, by verdict.",
		},
		[]string{"verdict"},
	)
	devicePresent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wakewatch_device_present",
		Help: "1 if the last probe cycle found the appliance, else 0.",
	})
	monitorState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wakewatch_monitor_state",
		Help: "Lifecycle state: 0 stopped, 1 running, 2 paused.",
	})
)

func init() {
	prometheus.MustRegister(wakeEventsTotal)
	prometheus.MustRegister(powerOnAttemptsTotal)
	prometheus.MustRegister(probeCyclesTotal)
	prometheus.MustRegister(devicePresent)
	prometheus.MustRegister(monitorState)
}
