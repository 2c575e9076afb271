// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"github.com/meteredchan/meteredchan/internal/model"
	"github.com/meteredchan/meteredchan/pkg/core"
	"gorm.io/datatypes"
)

// labelsToJSONMap converts sample labels to a JSON column value.
func labelsToJSONMap(labels map[string]string) datatypes.JSONMap {
	m := make(datatypes.JSONMap, len(labels))
	for k, v := range labels {
		m[k] = v
	}
	return m
}

// CoreToChannelSample converts a core.OccupancySample to a GORM model.ChannelSample.
func CoreToChannelSample(s core.OccupancySample) model.ChannelSample {
	return model.ChannelSample{
		Time:     s.Time,
		Channel:  s.Channel,
		Kind:     s.Kind,
		Len:      s.Len,
		Cap:      s.Cap,
		Sent:     s.Sent,
		Received: s.Received,
		Senders:  s.Senders,
		State:    s.State,
		Labels:   labelsToJSONMap(s.Labels),
	}
}

// ChannelSampleToCore converts a GORM model.ChannelSample back to core.
// Non-string label values are dropped.
func ChannelSampleToCore(m model.ChannelSample) core.OccupancySample {
	var labels map[string]string
	if len(m.Labels) > 0 {
		labels = make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			if s, ok := v.(string); ok {
				labels[k] = s
			}
		}
	}
	return core.OccupancySample{
		Time:     m.Time,
		Channel:  m.Channel,
		Kind:     m.Kind,
		Len:      m.Len,
		Cap:      m.Cap,
		Sent:     m.Sent,
		Received: m.Received,
		Senders:  m.Senders,
		State:    m.State,
		Labels:   labels,
	}
}

// CoreToChannelSamples converts a batch.
func CoreToChannelSamples(samples []core.OccupancySample) []model.ChannelSample {
	out := make([]model.ChannelSample, len(samples))
	for i, s := range samples {
		out[i] = CoreToChannelSample(s)
	}
	return out
}
