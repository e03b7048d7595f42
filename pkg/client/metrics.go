// Copyright 2023 The goshawk Authors
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

package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	clientConnectionRegistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goshawk",
			Subsystem: "client",
			Name:      "connection_registered",
			Help:      "The total number of established client connections.",
		},
		[]string{"domain"},
	)
	clientConnectionUnregistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goshawk",
			Subsystem: "client",
			Name:      "connection_unregistered",
			Help:      "The total number of closed client connections.",
		},
		[]string{"domain"},
	)
	clientConnectionFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goshawk",
			Subsystem: "client",
			Name:      "connection_failed",
			Help:      "The total number of failed connection attempts.",
		},
		[]string{"domain", "error_domain"},
	)
	clientResumptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goshawk",
			Subsystem: "client",
			Name:      "resumptions_total",
			Help:      "The total number of stream resumption attempts.",
		},
		[]string{"domain", "result"},
	)
	clientOutgoingStanzas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goshawk",
			Subsystem: "client",
			Name:      "outgoing_stanzas_total",
			Help:      "The total number of outgoing stanzas.",
		},
		[]string{"domain", "name", "type"},
	)
	clientIncomingStanzas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goshawk",
			Subsystem: "client",
			Name:      "incoming_stanzas_total",
			Help:      "The total number of incoming stanzas.",
		},
		[]string{"domain", "name", "type"},
	)
)

func init() {
	prometheus.MustRegister(clientConnectionRegistered)
	prometheus.MustRegister(clientConnectionUnregistered)
	prometheus.MustRegister(clientConnectionFailed)
	prometheus.MustRegister(clientResumptions)
	prometheus.MustRegister(clientOutgoingStanzas)
	prometheus.MustRegister(clientIncomingStanzas)
}

func reportConnectionRegistered(domain string) {
	clientConnectionRegistered.With(prometheus.Labels{
		"domain": domain,
	}).Inc()
}

func reportConnectionUnregistered(domain string) {
	clientConnectionUnregistered.With(prometheus.Labels{
		"domain": domain,
	}).Inc()
}

func reportConnectionFailed(domain string, errDomain ErrorDomain) {
	clientConnectionFailed.With(prometheus.Labels{
		"domain":       domain,
		"error_domain": string(errDomain),
	}).Inc()
}

func reportResumption(domain string, succeeded bool) {
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	clientResumptions.With(prometheus.Labels{
		"domain": domain,
		"result": result,
	}).Inc()
}

func reportOutgoingStanza(domain, name, typ string) {
	clientOutgoingStanzas.With(prometheus.Labels{
		"domain": domain,
		"name":   name,
		"type":   typ,
	}).Inc()
}

func reportIncomingStanza(domain, name, typ string) {
	clientIncomingStanzas.With(prometheus.Labels{
		"domain": domain,
		"name":   name,
		"type":   typ,
	}).Inc()
}
