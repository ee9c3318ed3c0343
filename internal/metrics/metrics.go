// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the Tracer's self-observation counters: syscalls
// dispatched, channel bytes moved, mount-cache hits. These are for watching
// the tracer's own health, not for accounting the resources of the process
// it traces.
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry is the private registry self-observation metrics are registered
// against; the tracer never exports them on a public HTTP endpoint by
// default, only dumps them on demand (see WriteText).
var Registry = prometheus.NewRegistry()

var (
	// SyscallsDispatched counts syscalls routed through the dispatcher, by
	// syscall name and dispatch stage (entry, exit, retry).
	SyscallsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracer_syscalls_dispatched_total",
			Help: "Number of traced syscalls the dispatcher has acted on.",
		},
		[]string{"syscall", "action"},
	)

	// ChannelBytesTransferred counts bytes moved through the shared-memory
	// I/O channel, by direction.
	ChannelBytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracer_channel_bytes_total",
			Help: "Bytes moved through the shared I/O channel.",
		},
		[]string{"direction"},
	)

	// ChannelArenaBytes reports the current size of the channel's backing
	// arena after the last mremap growth.
	ChannelArenaBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracer_channel_arena_bytes",
			Help: "Current size of the shared-memory channel arena.",
		},
	)

	// OpenFileDescriptors is the number of live slots across all virtual
	// FD tables.
	OpenFileDescriptors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracer_open_fds",
			Help: "Number of occupied virtual file descriptor slots.",
		},
	)

	// TracedProcesses is the number of rows currently live in the process
	// table.
	TracedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracer_traced_processes",
			Help: "Number of processes currently tracked in the process table.",
		},
	)

	// BackendCallLatency histograms backend call duration by backend kind
	// and operation.
	BackendCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracer_backend_call_seconds",
			Help:    "Latency of backend VFS calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// MountCacheResults counts mount-cache lookups by outcome (hit, miss,
	// fetch, stale).
	MountCacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracer_mount_cache_total",
			Help: "Mount-install cache lookups by outcome.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		SyscallsDispatched,
		ChannelBytesTransferred,
		ChannelArenaBytes,
		OpenFileDescriptors,
		TracedProcesses,
		BackendCallLatency,
		MountCacheResults,
	)
}

// WriteText renders the current metric families in Prometheus text
// exposition format to w, for an on-demand debug dump rather than a scrape
// endpoint (the Tracer has no built-in HTTP server).
func WriteText(w io.Writer) error {
	families, err := Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
