package server

import (
	"net/http"
	"os"
	"os/exec"
	"strconv"

	"github.com/navtile/chartsrv/internal/render"
)

func (s *Server) handleChartList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))

	recs, err := s.reg.List(q.Get("kind"), q.Get("q"), page, pageSize)
	if err != nil {
		s.writeError(w, render.Wrap(render.KindExternal, err, "registry"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"charts": recs, "count": len(recs)})
}

func (s *Server) handleChartGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.reg.Get(id)
	if err != nil {
		s.writeError(w, render.Wrap(render.KindExternal, err, "registry"))
		return
	}
	if !ok {
		s.writeError(w, render.Errorf(render.KindNotFound, "unknown dataset %q", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleChartThumbnail(w http.ResponseWriter, r *http.Request) {
	data, err := s.renderer.Thumbnail(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func (s *Server) handleChartScan(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Scan(s.cfg.DataDir); err != nil {
		s.writeError(w, render.Wrap(render.KindExternal, err, "scan"))
		return
	}
	recs, err := s.reg.List("", "", 1, 1000)
	if err != nil {
		s.writeError(w, render.Wrap(render.KindExternal, err, "registry"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scanned": s.cfg.DataDir, "count": len(recs)})
}

func (s *Server) handleConfigContours(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{
		"safety":  s.cfg.Contours.Safety,
		"shallow": s.cfg.Contours.Shallow,
		"deep":    s.cfg.Contours.Deep,
	})
}

func (s *Server) handleConfigDatasource(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"dataDir": s.cfg.DataDir,
		"encDir":  s.cfg.ENCDir,
	}
	if s.cfg.DataDir != "" {
		if files, err := s.reg.ListDatasets(s.cfg.DataDir); err == nil {
			resp["datasets"] = files
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAdminImport spawns a detached import of the running binary and
// answers immediately with the child PID. The server never blocks on ingest.
func (s *Server) handleAdminImport(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	switch kind {
	case "enc", "cm93", "geotiff":
	default:
		s.writeError(w, render.Errorf(render.KindNotFound, "unknown import kind %q", kind))
		return
	}
	src := r.URL.Query().Get("src")
	if src == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing src parameter"})
		return
	}

	bin := s.cfg.ImportBin
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			s.writeError(w, render.Wrap(render.KindExternal, err, "resolve import binary"))
			return
		}
		bin = exe
	}

	args := []string{"import", kind, "--src", src, "--data-dir", s.cfg.DataDir}
	if kind == "cm93" && s.cfg.CM93CLI != "" {
		args = append(args, "--cm93-cli", s.cfg.CM93CLI)
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		s.writeError(w, render.Wrap(render.KindExternal, err, "spawn import"))
		return
	}
	pid := cmd.Process.Pid
	go cmd.Wait()

	s.log.Info("spawned import", "kind", kind, "src", src, "pid", pid)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "started", "pid": pid})
}
