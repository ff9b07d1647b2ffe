// instrument.go - Prometheus instrumentation.
// Copyright (C) 2023  The Hyperletter Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument publishes delivery and lifecycle counters.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	lettersSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hyperletter",
			Name:      "sent_letters_total",
			Help:      "Number of letters confirmed sent",
		},
	)
	lettersReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hyperletter",
			Name:      "received_letters_total",
			Help:      "Number of user letters received",
		},
	)
	lettersDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hyperletter",
			Name:      "discarded_letters_total",
			Help:      "Number of letters dropped without delivery",
		},
	)
	lettersRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hyperletter",
			Name:      "requeued_letters_total",
			Help:      "Number of letters pushed back into the dispatcher",
		},
	)
	batchesFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hyperletter",
			Name:      "flushed_batches_total",
			Help:      "Number of batch letters flushed to a channel",
		},
	)
	channelsConnected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hyperletter",
			Name:      "channel_connects_total",
			Help:      "Number of completed channel handshakes",
		},
	)
	channelsDisconnected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hyperletter",
			Name:      "channel_disconnects_total",
			Help:      "Number of channel disconnects",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(lettersSent)
	prometheus.MustRegister(lettersReceived)
	prometheus.MustRegister(lettersDiscarded)
	prometheus.MustRegister(lettersRequeued)
	prometheus.MustRegister(batchesFlushed)
	prometheus.MustRegister(channelsConnected)
	prometheus.MustRegister(channelsDisconnected)
}

// LetterSent increments the sent letter counter.
func LetterSent() {
	lettersSent.Inc()
}

// LetterReceived increments the received letter counter.
func LetterReceived() {
	lettersReceived.Inc()
}

// LetterDiscarded increments the discarded letter counter.
func LetterDiscarded() {
	lettersDiscarded.Inc()
}

// LetterRequeued increments the requeued letter counter.
func LetterRequeued() {
	lettersRequeued.Inc()
}

// BatchFlushed increments the flushed batch counter.
func BatchFlushed() {
	batchesFlushed.Inc()
}

// ChannelConnected increments the channel connect counter.
func ChannelConnected() {
	channelsConnected.Inc()
}

// ChannelDisconnected increments the disconnect counter for reason.
func ChannelDisconnected(reason string) {
	channelsDisconnected.With(prometheus.Labels{"reason": reason}).Inc()
}
