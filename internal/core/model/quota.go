// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import "time"

// CounterKind is the closed set of quota counters kept per user. Every kind maps
// to a fixed set of statements in the repository; no column name is ever built
// from caller input.
type CounterKind int

const (
	CounterAPICall CounterKind = iota
	CounterSearch
	CounterUpload
	CounterVideoMinutes
	CounterStorage
)

// CounterKinds lists every kind, windowed ones first.
var CounterKinds = []CounterKind{CounterAPICall, CounterSearch, CounterUpload, CounterVideoMinutes, CounterStorage}

// String is the limit name surfaced in quota errors.
func (k CounterKind) String() string {
	switch k {
	case CounterAPICall:
		return "api_calls_per_minute"
	case CounterSearch:
		return "searches_per_hour"
	case CounterUpload:
		return "uploads_per_day"
	case CounterVideoMinutes:
		return "video_minutes_per_day"
	case CounterStorage:
		return "storage_bytes"
	default:
		return "unknown"
	}
}

// Window is the rolling window length, zero for cumulative counters.
func (k CounterKind) Window() time.Duration {
	switch k {
	case CounterAPICall:
		return time.Minute
	case CounterSearch:
		return time.Hour
	case CounterUpload, CounterVideoMinutes:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Windowed reports whether the counter is reset lazily.
func (k CounterKind) Windowed() bool {
	return k.Window() > 0
}

// RateLimitLedger is the per-user quota row. Nil maxima mean unlimited.
type RateLimitLedger struct {
	UserID string `gorm:"primaryKey;type:varchar(128)" json:"user_id"`

	UploadsToday     int64     `gorm:"not null;default:0" json:"uploads_today"`
	UploadsResetAt   time.Time `gorm:"not null" json:"uploads_reset_at"`
	MaxUploadsPerDay *int64    `json:"max_uploads_per_day"`

	SearchesThisHour   int64     `gorm:"not null;default:0" json:"searches_this_hour"`
	SearchesResetAt    time.Time `gorm:"not null" json:"searches_reset_at"`
	MaxSearchesPerHour *int64    `json:"max_searches_per_hour"`

	APICallsThisMinute   int64     `gorm:"column:api_calls_this_minute;not null;default:0" json:"api_calls_this_minute"`
	APICallsResetAt      time.Time `gorm:"column:api_calls_reset_at;not null" json:"api_calls_reset_at"`
	MaxAPICallsPerMinute *int64    `gorm:"column:max_api_calls_per_minute" json:"max_api_calls_per_minute"`

	VideoMinutesToday     float64   `gorm:"not null;default:0" json:"video_minutes_today"`
	VideoMinutesResetAt   time.Time `gorm:"not null" json:"video_minutes_reset_at"`
	MaxVideoMinutesPerDay *float64  `json:"max_video_minutes_per_day"`

	StorageUsedBytes int64  `gorm:"not null;default:0" json:"storage_used_bytes"`
	MaxStorageBytes  *int64 `json:"max_storage_bytes"`

	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name used by the fixed counter statements.
func (RateLimitLedger) TableName() string {
	return "rate_limit_ledgers"
}

// NewRateLimitLedger builds a fresh ledger whose windows start now.
func NewRateLimitLedger(userID string, limits QuotaLimits, now time.Time) *RateLimitLedger {
	return &RateLimitLedger{
		UserID:                userID,
		UploadsResetAt:        now,
		MaxUploadsPerDay:      limits.UploadsPerDay,
		SearchesResetAt:       now,
		MaxSearchesPerHour:    limits.SearchesPerHour,
		APICallsResetAt:       now,
		MaxAPICallsPerMinute:  limits.APICallsPerMinute,
		VideoMinutesResetAt:   now,
		MaxVideoMinutesPerDay: limits.VideoMinutesPerDay,
		MaxStorageBytes:       limits.StorageBytes,
	}
}

// QuotaLimits are the default maxima applied when a ledger is first created.
type QuotaLimits struct {
	APICallsPerMinute  *int64
	SearchesPerHour    *int64
	UploadsPerDay      *int64
	VideoMinutesPerDay *float64
	StorageBytes       *int64
}

// Usage returns the current value of a counter.
func (l *RateLimitLedger) Usage(kind CounterKind) float64 {
	switch kind {
	case CounterAPICall:
		return float64(l.APICallsThisMinute)
	case CounterSearch:
		return float64(l.SearchesThisHour)
	case CounterUpload:
		return float64(l.UploadsToday)
	case CounterVideoMinutes:
		return l.VideoMinutesToday
	case CounterStorage:
		return float64(l.StorageUsedBytes)
	}
	return 0
}

// Limit returns the maximum of a counter, nil when unlimited.
func (l *RateLimitLedger) Limit(kind CounterKind) *float64 {
	asFloat := func(v *int64) *float64 {
		if v == nil {
			return nil
		}
		f := float64(*v)
		return &f
	}
	switch kind {
	case CounterAPICall:
		return asFloat(l.MaxAPICallsPerMinute)
	case CounterSearch:
		return asFloat(l.MaxSearchesPerHour)
	case CounterUpload:
		return asFloat(l.MaxUploadsPerDay)
	case CounterVideoMinutes:
		return l.MaxVideoMinutesPerDay
	case CounterStorage:
		return asFloat(l.MaxStorageBytes)
	}
	return nil
}

// ResetAt returns the last reset time of a windowed counter.
func (l *RateLimitLedger) ResetAt(kind CounterKind) time.Time {
	switch kind {
	case CounterAPICall:
		return l.APICallsResetAt
	case CounterSearch:
		return l.SearchesResetAt
	case CounterUpload:
		return l.UploadsResetAt
	case CounterVideoMinutes:
		return l.VideoMinutesResetAt
	}
	return time.Time{}
}

// QuotaUsage is the per-counter view returned to clients.
type QuotaUsage struct {
	Kind    string     `json:"kind"`
	Used    float64    `json:"used"`
	Limit   *float64   `json:"limit"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}
