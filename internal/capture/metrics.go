package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verigate_capture_uploads_total",
		Help: "Per-pose upload pipeline runs by pose and result",
	}, []string{"pose", "result"})

	moderationFlaggedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verigate_capture_moderation_flagged_total",
		Help: "Images flagged by the content scan, by scan stage",
	}, []string{"stage"})
)
