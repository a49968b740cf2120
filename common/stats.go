// Copyright 2025 CERN/Switzerland
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

package common

import (
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cern-eos/eos-sub015/fusex"
)

// Stats aggregates client counters. One instance exists per mount; the
// metadata cache and flush worker feed it, the heartbeat drains it.
type Stats struct {
	inodes            atomic.Int64
	inodesEver        atomic.Uint64
	inodesDeleted     atomic.Int64
	inodesEverDeleted atomic.Uint64
	inodesBacklog     atomic.Int64
	openFiles         atomic.Int64
	rBytes            atomic.Uint64
	wBytes            atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) InodesInc() {
	s.inodes.Add(1)
	s.inodesEver.Add(1)
}

func (s *Stats) InodesDec() { s.inodes.Add(-1) }

func (s *Stats) InodesDeletedInc() {
	s.inodesDeleted.Add(1)
	s.inodesEverDeleted.Add(1)
}

func (s *Stats) InodesDeletedDec() { s.inodesDeleted.Add(-1) }

// SetBacklog records the current flush-queue depth.
func (s *Stats) SetBacklog(n int) { s.inodesBacklog.Store(int64(n)) }

func (s *Stats) OpenFilesInc() { s.openFiles.Add(1) }
func (s *Stats) OpenFilesDec() { s.openFiles.Add(-1) }

func (s *Stats) AddRBytes(n uint64) { s.rBytes.Add(n) }
func (s *Stats) AddWBytes(n uint64) { s.wBytes.Add(n) }

func (s *Stats) Inodes() int64  { return s.inodes.Load() }
func (s *Stats) Backlog() int64 { return s.inodesBacklog.Load() }

// Snapshot renders the counters into the heartbeat statistics block.
func (s *Stats) Snapshot() fusex.StatisticsMsg {
	clamp := func(v int64) uint64 {
		if v < 0 {
			return 0
		}
		return uint64(v)
	}
	return fusex.StatisticsMsg{
		Inodes:            clamp(s.inodes.Load()),
		InodesToDelete:    clamp(s.inodesDeleted.Load()),
		InodesBacklog:     clamp(s.inodesBacklog.Load()),
		InodesEver:        s.inodesEver.Load(),
		InodesEverDeleted: s.inodesEverDeleted.Load(),
		OpenFiles:         clamp(s.openFiles.Load()),
		RBytes:            s.rBytes.Load(),
		WBytes:            s.wBytes.Load(),
		Pid:               int32(os.Getpid()),
	}
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, ch)
}

// Collect implements prometheus.Collector, exporting the same counters the
// heartbeat ships.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	gauge := func(name, help string, v float64) prometheus.Metric {
		return prometheus.MustNewConstMetric(
			prometheus.NewDesc(name, help, nil, nil), prometheus.GaugeValue, v)
	}
	counter := func(name, help string, v float64) prometheus.Metric {
		return prometheus.MustNewConstMetric(
			prometheus.NewDesc(name, help, nil, nil), prometheus.CounterValue, v)
	}
	ch <- gauge("fusex_inodes", "Cached inodes.", float64(s.inodes.Load()))
	ch <- gauge("fusex_inodes_todelete", "Inodes pending upstream deletion.", float64(s.inodesDeleted.Load()))
	ch <- gauge("fusex_inodes_backlog", "Flush queue depth.", float64(s.inodesBacklog.Load()))
	ch <- counter("fusex_inodes_ever_total", "Inodes ever cached.", float64(s.inodesEver.Load()))
	ch <- counter("fusex_inodes_deleted_ever_total", "Inodes ever deleted.", float64(s.inodesEverDeleted.Load()))
	ch <- gauge("fusex_open_files", "Open file handles.", float64(s.openFiles.Load()))
	ch <- counter("fusex_read_bytes_total", "Bytes read through the mount.", float64(s.rBytes.Load()))
	ch <- counter("fusex_write_bytes_total", "Bytes written through the mount.", float64(s.wBytes.Load()))
}
