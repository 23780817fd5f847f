// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"compress/gzip"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// HandleInfoRefs serves GET /info/refs?service=....
func (s *Server) HandleInfoRefs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service != ServiceUploadPack && service != ServiceReceivePack {
		http.Error(w, "unsupported service", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/x-"+service+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	if err := s.AdvertiseRefs(r.Context(), w, service); err != nil {
		logrus.Errorf("advertise refs: %v", err)
	}
}

// HandleUploadPack serves POST /git-upload-pack.
func (s *Server) HandleUploadPack(w http.ResponseWriter, r *http.Request) {
	body, err := requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/x-"+ServiceUploadPack+"-result")
	w.Header().Set("Cache-Control", "no-cache")
	if err := s.UploadPack(r.Context(), w, body); err != nil {
		logrus.Errorf("upload-pack: %v", err)
	}
}

// HandleReceivePack serves POST /git-receive-pack.
func (s *Server) HandleReceivePack(w http.ResponseWriter, r *http.Request) {
	body, err := requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/x-"+ServiceReceivePack+"-result")
	w.Header().Set("Cache-Control", "no-cache")
	if err := s.ReceivePack(r.Context(), w, body); err != nil {
		logrus.Errorf("receive-pack: %v", err)
	}
}

// requestBody transparently inflates gzip request bodies, which git
// clients send for large negotiations.
func requestBody(r *http.Request) (io.ReadCloser, error) {
	if r.Header.Get("Content-Encoding") != "gzip" {
		return r.Body, nil
	}
	return gzip.NewReader(r.Body)
}
