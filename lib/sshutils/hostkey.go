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

package sshutils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis"
)

// LoadOrGenerateHostKey returns the signer for the host key stored at
// path. On first start the key does not exist yet: an RSA key of the
// requested size is generated and persisted with mode 0600 so
// reconnecting clients keep seeing the same host identity.
func LoadOrGenerateHostKey(path string, bits int) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, trace.BadParameter("failed to parse host key %v: %v", path, err)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, trace.ConvertSystemError(err)
	}

	logrus.WithField(portcullis.Component, portcullis.ComponentService).
		Infof("Generating new %v-bit RSA host key at %v.", bits, path)

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signer, nil
}
