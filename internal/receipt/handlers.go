package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	maxUploadSize    = int64(50 << 20) // high-resolution phone photos
	defaultListLimit = 50
	maxListLimit     = 500
)

// envelope is the JSON body of every API response
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: false, Error: message}); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnsupportedMedia), errors.Is(err, ErrInvalidPeriod):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid receipt id %q", r.PathValue("id"))
	}
	return id, nil
}

// queryInt reads an optional integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleHealth reports the configured backends
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"info":   s.info,
	})
}

// handleListReceipts returns the most recent receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	offset = max(offset, 0)

	receipts, err := s.service.ListReceipts(r.Context(), limit, offset)
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// contentTypeFor picks the upload's media type, falling back to the
// file extension when the client sent none
func contentTypeFor(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

// handleUploadReceipt handles receipt upload
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File is too large. Maximum size is 50MB. Please compress or resize your image.")
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		message := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			message = "No file was selected. Please choose a file to upload."
		}
		writeError(w, http.StatusBadRequest, message)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "Uploaded file is empty")
		return
	}

	contentType := contentTypeFor(header.Header.Get("Content-Type"), header.Filename)

	receipt, err := s.service.ProcessReceipt(r.Context(), header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error processing receipt", "filename", header.Filename, "content_type", contentType, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, receipt)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.service.GetReceipt(r.Context(), id)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "Receipt not found")
			return
		}
		slog.Error("Error getting receipt", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptPhoto returns the photo for a receipt
func (s *Server) handleGetReceiptPhoto(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, contentType, err := s.service.GetReceiptFile(r.Context(), id)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "File not found")
			return
		}
		slog.Error("Error getting receipt photo", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.service.DeleteReceipt(r.Context(), id); err != nil {
		status := statusFor(err)
		if status != http.StatusNotFound {
			slog.Error("Error deleting receipt", "id", id, "error", err)
		}
		writeError(w, status, "Error deleting receipt")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMonthlyReport returns one month's totals
func (s *Server) handleMonthlyReport(w http.ResponseWriter, r *http.Request) {
	year, yErr := strconv.Atoi(r.PathValue("year"))
	month, mErr := strconv.Atoi(r.PathValue("month"))
	if yErr != nil || mErr != nil {
		writeError(w, http.StatusBadRequest, "Year and month must be numbers")
		return
	}

	report, err := s.service.MonthlyReport(r.Context(), year, month)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("Error building monthly report", "year", year, "month", month, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleYearlySummary returns one year's totals by month
func (s *Server) handleYearlySummary(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Year must be a number")
		return
	}

	summary, err := s.service.YearlySummary(r.Context(), year)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("Error building yearly summary", "year", year, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleExport streams an XLSX workbook
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	year, err := queryInt(r, "year", 0)
	if err != nil || year == 0 {
		writeError(w, http.StatusBadRequest, "year is required")
		return
	}
	month, err := queryInt(r, "month", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := s.service.ExportXLSX(r.Context(), year, month)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("Error exporting receipts", "year", year, "month", month, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}

	name := fmt.Sprintf("receipts-%04d.xlsx", year)
	if month != 0 {
		name = fmt.Sprintf("receipts-%04d-%02d.xlsx", year, month)
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.Write(data)
}

type categoriesResponse struct {
	Version    uint64 `json:"version"`
	CatchAll   string `json:"catch_all"`
	Categories any    `json:"categories"`
}

// handleListCategories returns the active category table
func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	t := s.service.Categories()
	writeJSON(w, http.StatusOK, categoriesResponse{Version: t.Version(), CatchAll: t.CatchAll(), Categories: t.Categories()})
}

// handleReloadCategories swaps in the table currently in the store
func (s *Server) handleReloadCategories(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.ReloadCategories(r.Context())
	if err != nil {
		slog.Error("Error reloading categories", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, categoriesResponse{Version: t.Version(), CatchAll: t.CatchAll(), Categories: t.Categories()})
}
