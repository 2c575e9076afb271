package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&MonitorInfo{},
	&ChannelSample{},
}

// MonitorInfo identifies the process that wrote a run of samples
type MonitorInfo struct {
	gorm.Model
	ServiceName string    `json:"serviceName" gorm:"size:127"`
	StartedAt   time.Time `json:"startedAt"`
	Hostname    string    `json:"hostname" gorm:"size:255"`
}

func (*MonitorInfo) TableName() string {
	return "monitor_infos"
}

// ChannelSample is one occupancy observation of a channel
type ChannelSample struct {
	ID       uint              `json:"id" gorm:"primarykey;autoIncrement;"`
	Time     time.Time         `json:"time" gorm:"index:idx_channelsample_time"`
	Channel  string            `json:"channel" gorm:"size:127;index:idx_channelsample_channel"`
	Kind     string            `json:"kind" gorm:"size:31"`
	Len      int               `json:"len"`
	Cap      int               `json:"cap"`
	Sent     uint64            `json:"sent"`
	Received uint64            `json:"received"`
	Senders  int64             `json:"senders"`
	State    string            `json:"state" gorm:"size:15"`
	Labels   datatypes.JSONMap `json:"labels"`
}

func (*ChannelSample) TableName() string {
	return "channel_samples"
}
