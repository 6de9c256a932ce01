package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/camden-git/attendancebackend/services"
)

const maxBackupBytes = 64 << 20

// BackupHandler exports and restores face vectors. Restores are limited to
// ModelVersion and Dimension unless all_models=true is passed.
type BackupHandler struct {
	Service      *services.FaceBackupService
	ModelVersion string
	Dimension    int
}

// Export downloads every classroom, student and stored vector as JSON.
func (h *BackupHandler) Export(w http.ResponseWriter, r *http.Request) {
	backup, err := h.Service.Backup()
	if err != nil {
		writeServiceError(w, err, "backup")
		return
	}
	name := fmt.Sprintf("face_data_backup_%s.json", time.Unix(backup.CreatedAt, 0).UTC().Format("20060102_150405"))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	writeJSON(w, http.StatusOK, backup)
}

// Restore merges an uploaded backup document into the store.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	opts := services.RestoreOptions{ModelVersion: h.ModelVersion, Dimension: h.Dimension}
	replace, err := queryBool(r, "replace")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_replace", "replace must be a boolean")
		return
	}
	allModels, err := queryBool(r, "all_models")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_all_models", "all_models must be a boolean")
		return
	}
	opts.Replace = replace
	if allModels {
		opts.ModelVersion = ""
		opts.Dimension = 0
	}

	var backup services.FaceBackup
	r.Body = http.MaxBytesReader(w, r.Body, maxBackupBytes)
	if err := json.NewDecoder(r.Body).Decode(&backup); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_backup", "invalid backup document: "+err.Error())
		return
	}

	report, err := h.Service.Restore(&backup, opts)
	if err != nil {
		writeServiceError(w, err, "restore")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
