/*
Copyright 2026 Pawel Mojski.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rdpshim

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeGranted = "granted"
	outcomeDenied  = "denied"
	outcomeError   = "error"

	directionClientToBackend = "client_to_backend"
	directionBackendToClient = "backend_to_client"
)

var (
	rdpConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_rdp_connections_total",
			Help: "Intercepted RDP connections by screening outcome.",
		},
		[]string{"outcome"},
	)

	rdpSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portcullis_rdp_sessions_active",
			Help: "RDP sessions currently spliced through the shim.",
		},
	)

	rdpBytesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_rdp_bytes_relayed_total",
			Help: "Bytes relayed through RDP sessions by direction.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(rdpConnections, rdpSessionsActive, rdpBytesRelayed)
}
