// Package metrics expone las métricas Prometheus del dominio MRS: registro,
// búsqueda y el motor de federación. Se define como paquete aparte para
// evitar ciclos de import entre internal/federation y internal/http, que
// cablean ambos.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once
	registerErr  error

	registrationsTotal *prometheus.CounterVec
	releasesTotal      *prometheus.CounterVec
	searchRequests     *prometheus.CounterVec
	searchDuration     prometheus.Histogram

	conflictDetectedTotal     prometheus.Counter
	sovereigntyViolationTotal prometheus.Counter

	peerRefreshTotal   *prometheus.CounterVec
	syncPullTotal      *prometheus.CounterVec
	syncPullDuration   *prometheus.HistogramVec
	tombstonesPurged   prometheus.Counter
	gcWatermarkGauge   prometheus.Gauge
	referralsEmitted   prometheus.Histogram
)

// Domain implementa federation.Metrics además de exponer los contadores de
// registro y búsqueda.
type Domain struct{}

// Register crea y registra las métricas de dominio en reg (o el registry por
// defecto si reg es nil). Es seguro llamarla más de una vez: sólo la primera
// invocación instancia los colectores.
func Register(reg prometheus.Registerer) (*Domain, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	registerOnce.Do(func() {
		registrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrs_registrations_total",
			Help: "Registros de entidades espaciales creados",
		}, []string{"outcome"})

		releasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrs_releases_total",
			Help: "Liberaciones (borrado lógico) de registros",
		}, []string{"outcome"})

		searchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrs_search_requests_total",
			Help: "Búsquedas espaciales atendidas",
		}, []string{"outcome"})

		searchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mrs_search_duration_seconds",
			Help:    "Latencia de búsqueda espacial incluyendo el fan-out de referrals",
			Buckets: prometheus.DefBuckets,
		})

		conflictDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrs_federation_conflict_detected_total",
			Help: "Eventos de sync con mismo (origin, id, version) y payload divergente",
		})

		sovereigntyViolationTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrs_federation_sovereignty_violation_total",
			Help: "Eventos de sync rechazados por reclamar origin_server propio",
		})

		peerRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrs_peer_refresh_total",
			Help: "Refrescos de metadata de peer vía /.well-known/mrs",
		}, []string{"outcome"})

		syncPullTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrs_sync_pull_total",
			Help: "Ciclos de pull de snapshot/delta por peer",
		}, []string{"outcome"})

		syncPullDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mrs_sync_pull_duration_seconds",
			Help:    "Duración de un ciclo de pull contra un peer",
			Buckets: prometheus.DefBuckets,
		}, []string{"peer"})

		tombstonesPurged = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrs_tombstones_purged_total",
			Help: "Tombstones purgados tras cumplir la retención mínima",
		})

		gcWatermarkGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mrs_gc_watermark",
			Help: "change_seq más alto purgado; cursores de delta por debajo de esto expiran",
		})

		referralsEmitted = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mrs_referrals_emitted",
			Help:    "Cantidad de referrals devueltos por búsqueda",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		})

		for _, c := range []prometheus.Collector{
			registrationsTotal, releasesTotal, searchRequests, searchDuration,
			conflictDetectedTotal, sovereigntyViolationTotal,
			peerRefreshTotal, syncPullTotal, syncPullDuration,
			tombstonesPurged, gcWatermarkGauge, referralsEmitted,
		} {
			if err := registerCollector(reg, c); err != nil {
				registerErr = err
				return
			}
		}
	})
	if registerErr != nil {
		return nil, registerErr
	}
	return &Domain{}, nil
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

func (*Domain) IncConflictDetected()     { conflictDetectedTotal.Inc() }
func (*Domain) IncSovereigntyViolation() { sovereigntyViolationTotal.Inc() }

func (*Domain) ObserveRegistration(outcome string) { registrationsTotal.WithLabelValues(outcome).Inc() }
func (*Domain) ObserveRelease(outcome string)       { releasesTotal.WithLabelValues(outcome).Inc() }

func (*Domain) ObserveSearch(outcome string, seconds float64, referralCount int) {
	searchRequests.WithLabelValues(outcome).Inc()
	searchDuration.Observe(seconds)
	referralsEmitted.Observe(float64(referralCount))
}

func (*Domain) ObservePeerRefresh(outcome string) { peerRefreshTotal.WithLabelValues(outcome).Inc() }

func (*Domain) ObserveSyncPull(peer, outcome string, seconds float64) {
	syncPullTotal.WithLabelValues(outcome).Inc()
	syncPullDuration.WithLabelValues(peer).Observe(seconds)
}

func (*Domain) ObserveTombstonesPurged(n int64) {
	if n <= 0 {
		return
	}
	tombstonesPurged.Add(float64(n))
}

func (*Domain) SetGCWatermark(seq int64) { gcWatermarkGauge.Set(float64(seq)) }
