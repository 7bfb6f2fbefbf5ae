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

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
)

// monitorGrantExpiry warns interactive sessions as the access window
// closes and tears the connection down when it does. Runs for the
// lifetime of the connection in its own goroutine.
func (s *Server) monitorGrantExpiry(deadline time.Time) {
	log := s.log.WithFields(logrus.Fields{
		portcullis.Component: portcullis.ComponentMonitor,
		"deadline":           deadline.Format(time.RFC3339),
	})
	log.Debug("Grant expiry monitor started.")

	warnings := []struct {
		before time.Duration
		text   string
	}{
		{defaults.ExpiryFirstWarning, "5 minutes"},
		{defaults.ExpiryFinalWarning, "1 minute"},
	}
	for _, w := range warnings {
		wait := deadline.Add(-w.before).Sub(s.clock.Now())
		if wait <= 0 {
			continue
		}
		select {
		case <-s.clock.After(wait):
			log.Infof("Warning sessions about expiry in %v.", w.text)
			s.notifySessions(fmt.Sprintf("\r\nWARNING: Access expires in %v.\r\n", w.text))
		case <-s.closeContext.Done():
			return
		}
	}

	if wait := deadline.Sub(s.clock.Now()); wait > 0 {
		select {
		case <-s.clock.After(wait):
		case <-s.closeContext.Done():
			return
		}
	}

	s.notifySessions("\r\nAccess expired. Closing session.\r\n")
	log.Info("Grant expired, terminating connection.")
	s.setTermination(portcullis.TerminationGrantExpired)
	s.Close()
}
