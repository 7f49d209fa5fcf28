package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/assets"
)

func (s *Server) handleAssetsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := assets.ListFilter{
		Hash: q.Get("hash"),
		Text: q.Get("text"),
		Type: assets.Type(q.Get("type")),
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			apperr.Write(w, apperr.Newf(apperr.InvalidInput, "bad limit %q", v))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			apperr.Write(w, apperr.Newf(apperr.InvalidInput, "bad offset %q", v))
			return
		}
		filter.Offset = n
	}
	writeJSON(w, http.StatusOK, s.registry.List(filter))
}

func (s *Server) handleAssetGet(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	asset, ok := s.registry.Get(uid)
	if !ok {
		apperr.Write(w, apperr.Newf(apperr.NotFound, "asset %q not found", uid))
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

type registerRequest struct {
	Path             string         `json:"path"`
	Type             assets.Type    `json:"type"`
	Meta             map[string]any `json:"meta,omitempty"`
	ProvenanceInputs map[string]any `json:"provenance_inputs,omitempty"`
	Source           string         `json:"source,omitempty"`
	Tool             string         `json:"tool,omitempty"`
	ToolVersion      string         `json:"tool_version,omitempty"`
	WorkflowHash     string         `json:"workflow_hash,omitempty"`
	Seed             *int64         `json:"seed,omitempty"`
}

func (in registerRequest) toInput() assets.RegisterInput {
	return assets.RegisterInput{
		Path:             in.Path,
		Type:             in.Type,
		Meta:             in.Meta,
		ProvenanceInputs: in.ProvenanceInputs,
		Source:           in.Source,
		Tool:             in.Tool,
		Version:          in.ToolVersion,
		WorkflowHash:     in.WorkflowHash,
		Seed:             in.Seed,
	}
}

func (s *Server) handleAssetRegister(w http.ResponseWriter, r *http.Request) {
	var in registerRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if in.Path == "" {
		apperr.Write(w, apperr.New(apperr.InvalidInput, "path is required"))
		return
	}
	asset, err := s.registry.RegisterFile(r.Context(), in.toInput())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// handleAssetUpload accepts a multipart form with a "file" part and
// optional "type" and "meta" (JSON object) fields, lands the bytes under
// the upload root, and registers the result.
func (s *Server) handleAssetUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		apperr.Write(w, apperr.Newf(apperr.InvalidInput, "parse multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		apperr.Write(w, apperr.New(apperr.InvalidInput, "missing file part"))
		return
	}
	defer file.Close()

	assetType := assets.Type(r.FormValue("type"))
	if assetType == "" {
		assetType = assets.TypeOther
	}
	var meta map[string]any
	if raw := r.FormValue("meta"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			apperr.Write(w, apperr.Newf(apperr.InvalidInput, "parse meta: %v", err))
			return
		}
	}

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		apperr.Write(w, apperr.New(apperr.InvalidInput, "bad filename"))
		return
	}
	dir := filepath.Join(s.uploadDir, string(assetType))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		apperr.Write(w, apperr.Newf(apperr.InternalError, "upload dir: %v", err))
		return
	}
	dest := filepath.Join(dir, name)
	out, err := os.Create(dest)
	if err != nil {
		apperr.Write(w, apperr.Newf(apperr.InternalError, "create upload: %v", err))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		apperr.Write(w, apperr.Newf(apperr.InternalError, "write upload: %v", err))
		return
	}
	if err := out.Close(); err != nil {
		apperr.Write(w, apperr.Newf(apperr.InternalError, "close upload: %v", err))
		return
	}

	asset, err := s.registry.RegisterFile(r.Context(), assets.RegisterInput{
		Path: dest, Type: assetType, Meta: meta, Source: "upload",
	})
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleAssetRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), r.PathValue("uid")); err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAssetSidecar(w http.ResponseWriter, r *http.Request) {
	sidecar, err := s.registry.Sidecar(r.PathValue("uid"))
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sidecar)
}

type rebuildRequest struct {
	Root    string `json:"root"`
	Options struct {
		EnforceSidecars   bool `json:"enforce_sidecars"`
		OverwriteSidecars bool `json:"overwrite_sidecars"`
		FixMetadata       bool `json:"fix_metadata"`
		MetadataReport    bool `json:"metadata_report"`
	} `json:"options"`
}

func (s *Server) handleAssetsRebuild(w http.ResponseWriter, r *http.Request) {
	var in rebuildRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	summary, err := s.registry.Rebuild(r.Context(), in.Root, assets.RebuildOptions{
		EnforceSidecars:   in.Options.EnforceSidecars,
		OverwriteSidecars: in.Options.OverwriteSidecars,
		FixMetadata:       in.Options.FixMetadata,
		MetadataReport:    in.Options.MetadataReport,
	})
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
