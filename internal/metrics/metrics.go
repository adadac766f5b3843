// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the capture host
// pipeline and the registry server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Frame monitor
	framesAnalyzed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_frames_analyzed_total",
		Help: "Frames analyzed by the monitor per capture folder and outcome",
	}, []string{"capture_folder", "outcome"}) // outcome=ok|detector_error|skipped

	detectorDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capturehost_detector_duration_seconds",
		Help:    "Per-frame detector latency",
		Buckets: prometheus.DefBuckets,
	})

	// Incident manager
	incidentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_incident_transitions_total",
		Help: "Incident state transitions by kind",
	}, []string{"kind", "transition"}) // transition=first_detected|created|cleared

	activeIncidents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capturehost_active_incidents",
		Help: "Currently active incidents by kind",
	}, []string{"kind"})

	// Archiver
	archiverMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_archiver_files_moved_total",
		Help: "Hot files moved to cold storage by class",
	}, []string{"class"})

	archiverCleaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_archiver_folders_cleaned_total",
		Help: "Hour folders wiped by the retention sweep by class",
	}, []string{"class"})

	// KPI executor
	kpiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_kpi_requests_total",
		Help: "KPI requests by outcome",
	}, []string{"outcome"}) // outcome=success|failure|dropped

	kpiAlgorithm = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_kpi_algorithm_total",
		Help: "KPI scan completions by algorithm",
	}, []string{"algorithm"})

	kpiDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capturehost_kpi_processing_duration_seconds",
		Help:    "End-to-end KPI request processing latency",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// Transcript accumulator
	transcriptMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_transcript_merges_total",
		Help: "Chunk merges by source path",
	}, []string{"source"}) // source=1min|10min

	whisperDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capturehost_whisper_duration_seconds",
		Help:    "Whisper transcription latency",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	// Audio detector
	audioChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_audio_checks_total",
		Help: "Loudness checks by capture folder and verdict",
	}, []string{"capture_folder", "verdict"}) // verdict=audio|silent

	// Object store
	uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_objstore_uploads_total",
		Help: "Object store uploads by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	// Zapping
	zapsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_zaps_detected_total",
		Help: "Zapping events by detection type",
	}, []string{"detection_type"}) // automatic|manual

	// Registry (server side)
	registeredHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capturehost_registry_hosts",
		Help: "Hosts currently registered and fresh",
	})

	staleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capturehost_registry_stale_evictions_total",
		Help: "Hosts evicted for missing their ping window",
	})
)

func FrameAnalyzed(captureFolder, outcome string) {
	framesAnalyzed.WithLabelValues(captureFolder, outcome).Inc()
}

func ObserveDetector(seconds float64) { detectorDuration.Observe(seconds) }

func IncidentTransition(kind, transition string) {
	incidentTransitions.WithLabelValues(kind, transition).Inc()
}

func SetActiveIncidents(kind string, n int) {
	activeIncidents.WithLabelValues(kind).Set(float64(n))
}

func ArchiverMoved(class string, n int) {
	if n > 0 {
		archiverMoved.WithLabelValues(class).Add(float64(n))
	}
}

func ArchiverCleaned(class string, n int) {
	if n > 0 {
		archiverCleaned.WithLabelValues(class).Add(float64(n))
	}
}

func KPIRequest(outcome string)       { kpiRequests.WithLabelValues(outcome).Inc() }
func KPIAlgorithm(algorithm string)   { kpiAlgorithm.WithLabelValues(algorithm).Inc() }
func ObserveKPIDuration(sec float64)  { kpiDuration.Observe(sec) }
func TranscriptMerge(source string)   { transcriptMerges.WithLabelValues(source).Inc() }
func ObserveWhisper(seconds float64)  { whisperDuration.Observe(seconds) }

func AudioChecked(captureFolder string, hasAudio bool) {
	verdict := "silent"
	if hasAudio {
		verdict = "audio"
	}
	audioChecks.WithLabelValues(captureFolder, verdict).Inc()
}
func Upload(outcome string)           { uploads.WithLabelValues(outcome).Inc() }
func ZapDetected(detectionType string) { zapsDetected.WithLabelValues(detectionType).Inc() }
func SetRegisteredHosts(n int)        { registeredHosts.Set(float64(n)) }
func StaleEviction()                  { staleEvictions.Inc() }
