package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// allowedUploadExtensions mirrors the format allowlist enforced at the
// upload boundary.
var allowedUploadExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".txt":  true,
}

// UploadResponse is the JSON body returned by the upload endpoint. The
// chat core only ever consumes FilePath and IsImage.
type UploadResponse struct {
	FilePath string `json:"filePath"`
	IsImage  bool   `json:"isImage"`
}

// HandleUpload accepts a multipart file upload, stores it under the
// upload directory, and reports where it landed and whether it is an
// image. Storage backend choice, beyond the local directory, is not the
// core's concern.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "File too large.", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "No file uploaded.", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedUploadExtensions[ext] {
		http.Error(w, "Unsupported file type.", http.StatusBadRequest)
		return
	}

	uploadDir, err := expandHome(s.config.UploadDir)
	if err != nil {
		errorLog.Printf("Upload: bad upload directory: %v", err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	name := uuid.NewString() + ext
	dstPath := filepath.Join(uploadDir, name)

	dst, err := os.Create(dstPath)
	if err != nil {
		errorLog.Printf("Upload: failed to create %s: %v", dstPath, err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(dstPath)
		errorLog.Printf("Upload: failed to write %s: %v", dstPath, err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "File too large.", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "upload failed", http.StatusBadRequest)
		return
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		errorLog.Printf("Upload: failed to flush %s: %v", dstPath, err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	// Sniff the stored bytes rather than trusting the file extension
	isImage := false
	if mtype, err := mimetype.DetectFile(dstPath); err == nil {
		isImage = strings.HasPrefix(mtype.String(), "image/")
	} else {
		debugLog.Printf("Upload: content detection failed for %s: %v", dstPath, err)
	}

	debugLog.Printf("Upload: stored %s as %s (image=%v)", header.Filename, name, isImage)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&UploadResponse{
		FilePath: fmt.Sprintf("/uploads/%s", name),
		IsImage:  isImage,
	}); err != nil {
		errorLog.Printf("Upload: failed to write response: %v", err)
	}
}
