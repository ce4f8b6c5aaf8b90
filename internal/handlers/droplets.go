package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/claworc/droplet-panel/internal/droplets"
	"github.com/gluk-w/claworc/droplet-panel/internal/retry"
	"github.com/go-chi/chi/v5"
)

var (
	// Cloud is the DigitalOcean client, set in main.
	Cloud *droplets.Client
	// ProxyAllow lists the path prefixes CloudProxy may forward.
	ProxyAllow []string
	// WaitBackoff drives WaitDroplet.
	WaitBackoff = droplets.DefaultWaitBackoff
)

// proxyAllowed reports whether path equals an allowed prefix or sits below it.
func proxyAllowed(path string) bool {
	for _, prefix := range ProxyAllow {
		prefix = strings.TrimRight(prefix, "/")
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return true
		}
	}
	return false
}

// validDropletID accepts the numeric identifiers DigitalOcean assigns.
func validDropletID(id string) bool {
	if id == "" {
		return false
	}
	_, err := strconv.ParseUint(id, 10, 64)
	return err == nil
}

// writeUpstream relays a cloud API reply unchanged.
func writeUpstream(w http.ResponseWriter, resp *droplets.Response) {
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// writeCloudError maps a client-side failure to a response.
func writeCloudError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, droplets.ErrNoToken):
		writeError(w, http.StatusInternalServerError, "Server is missing its DigitalOcean API token")
	default:
		log.Printf("[droplets] upstream request failed: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// CloudProxy forwards an allow-listed GET to the cloud API.
func CloudProxy(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, "/") {
		writeError(w, http.StatusBadRequest, "path must start with /")
		return
	}
	if strings.Contains(path, "..") || !proxyAllowed(path) {
		writeError(w, http.StatusForbidden, "Path not allowed: "+path)
		return
	}

	resp, err := Cloud.Forward(r.Context(), http.MethodGet, path, r.URL.Query().Get("qs"), nil)
	if err != nil {
		writeCloudError(w, err)
		return
	}
	writeUpstream(w, resp)
}

func ListDroplets(w http.ResponseWriter, r *http.Request) {
	resp, err := Cloud.List(r.Context())
	if err != nil {
		writeCloudError(w, err)
		return
	}
	writeUpstream(w, resp)
}

func CreateDroplet(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := droplets.ValidateCreate(payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := Cloud.Create(r.Context(), payload)
	if err != nil {
		writeCloudError(w, err)
		return
	}
	if resp.OK() {
		log.Printf("[droplets] create requested: name=%v region=%v size=%v", payload["name"], payload["region"], payload["size"])
	}
	writeUpstream(w, resp)
}

// GetDroplet returns a droplet only once its first IPv4 network is public.
func GetDroplet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validDropletID(id) {
		writeError(w, http.StatusBadRequest, "Invalid droplet ID")
		return
	}

	d, resp, err := Cloud.Get(r.Context(), id)
	if err != nil {
		var apiErr *droplets.APIError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusNotFound, "Droplet not found")
			return
		}
		writeCloudError(w, err)
		return
	}
	if _, ok := d.PublicIPv4(); !ok {
		writeError(w, http.StatusNotFound, "Droplet not found")
		return
	}
	writeUpstream(w, resp)
}

func DeleteDroplet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validDropletID(id) {
		writeError(w, http.StatusBadRequest, "Invalid droplet ID")
		return
	}

	resp, err := Cloud.Delete(r.Context(), id)
	if err != nil {
		writeCloudError(w, err)
		return
	}
	if resp.Status == http.StatusNoContent {
		log.Printf("[droplets] destroy requested for %s", id)
		writeJSON(w, http.StatusOK, map[string]string{
			"message":    "Droplet destroy requested.",
			"droplet_id": id,
		})
		return
	}
	writeUpstream(w, resp)
}

// WaitDroplet polls until the droplet has a public IPv4 address. An optional
// ?timeout= duration caps the wait.
func WaitDroplet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validDropletID(id) {
		writeError(w, http.StatusBadRequest, "Invalid droplet ID")
		return
	}

	ctx := r.Context()
	if q := r.URL.Query().Get("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid timeout")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	ip, err := Cloud.WaitForPublicIPv4(ctx, id, WaitBackoff)
	if err != nil {
		var apiErr *droplets.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
			writeError(w, http.StatusNotFound, "Droplet not found")
		case errors.Is(err, droplets.ErrNoToken):
			writeCloudError(w, err)
		case errors.Is(err, retry.ErrExhausted), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "Timed out waiting for droplet "+id+" to get a public IPv4 address")
		default:
			writeCloudError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "ip": ip})
}
