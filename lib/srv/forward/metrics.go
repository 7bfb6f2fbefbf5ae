/*
Copyright 2026 Pawel Mojski

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

package forward

import "github.com/prometheus/client_golang/prometheus"

const (
	directionClientToBackend = "client_to_backend"
	directionBackendToClient = "backend_to_client"
)

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portcullis_sessions_active",
			Help: "Number of proxied sessions currently open.",
		},
	)
	bytesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_bytes_relayed_total",
			Help: "Bytes relayed between clients and backends.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(bytesRelayed)
}
