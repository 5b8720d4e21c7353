package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "modelhub"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total number of hub API requests.",
	}, []string{"operation", "code"})

	CacheRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Total number of file requests answered from the local cache or the hub.",
	}, []string{"cache"})

	DownloadBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_bytes_total",
		Help:      "Total number of bytes downloaded from the hub.",
	}, []string{"repo_type"})

	DownloadDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "download_duration_seconds",
		Help:      "The duration of a single file download.",
	}, []string{"repo_type"})

	UploadCommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_commits_total",
		Help:      "Total number of commits pushed to the hub.",
	}, []string{"status"})

	UploadBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_bytes_total",
		Help:      "Total number of bytes uploaded to the hub.",
	}, []string{"repo_type"})
)

func Register() {
	DefaultRegisterer.MustRegister(APIRequestsTotal)
	DefaultRegisterer.MustRegister(CacheRequestsTotal)
	DefaultRegisterer.MustRegister(DownloadBytesTotal)
	DefaultRegisterer.MustRegister(DownloadDurHistogram)
	DefaultRegisterer.MustRegister(UploadCommitsTotal)
	DefaultRegisterer.MustRegister(UploadBytesTotal)
}
