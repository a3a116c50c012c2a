// Package stagehttp exposes a stage controller over HTTP, so clients in any
// language can drive the hardware with plain JSON requests.
package stagehttp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/opticslab/stagelink/stage"
)

// Motion is the controller surface the wrapper binds.  *stage.Controller
// satisfies it.
type Motion interface {
	MoveTo(pos, speed float64) error
	Home(axis int) error
	Jog(direction int, speed float64) error
	Stop() error
	GetStatus() (stage.State, error)
	SetParameter(key byte, value int64) error
	LastKnown() (stage.State, bool)
}

// FloatT is a JSON shim for a single float, {"f64": value}.
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a JSON shim for a single int, {"int": value}.
type IntT struct {
	Int int `json:"int"`
}

// MoveT is the body of a move request.
type MoveT struct {
	F64   float64 `json:"f64"`
	Speed float64 `json:"speed"`
}

// JogT is the body of a jog request.
type JogT struct {
	Direction int     `json:"direction"`
	Speed     float64 `json:"speed"`
}

// StatusT is the body of a status response.  Stale indicates the snapshot
// should not be trusted for decisions.
type StatusT struct {
	Position  float64   `json:"pos"`
	Velocity  float64   `json:"vel"`
	Faults    uint16    `json:"faults"`
	Busy      bool      `json:"busy"`
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Wrapper binds a Motion to HTTP routes.
type Wrapper struct {
	Motion
}

// New returns a wrapper around the given controller.
func New(m Motion) Wrapper {
	return Wrapper{Motion: m}
}

// Bind attaches the routes to a chi router.
func (h Wrapper) Bind(r chi.Router) {
	r.Get("/status", h.HTTPGetStatus)
	r.Get("/last-known", h.HTTPLastKnown)
	r.Post("/pos", h.HTTPMoveTo)
	r.Post("/home", h.HTTPHome)
	r.Post("/jog", h.HTTPJog)
	r.Post("/stop", h.HTTPStop)
	r.Post("/param/{key}", h.HTTPSetParam)
}

func respondStatus(w http.ResponseWriter, st stage.State, stale bool) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusT{
		Position:  st.Position,
		Velocity:  st.Velocity,
		Faults:    st.Faults,
		Busy:      st.Busy,
		Stale:     stale,
		UpdatedAt: st.UpdatedAt,
	})
}

// HTTPGetStatus polls the controller and returns the fresh snapshot.
func (h Wrapper) HTTPGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.GetStatus()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondStatus(w, st, false)
}

// HTTPLastKnown returns the tracker snapshot without touching the hardware.
func (h Wrapper) HTTPLastKnown(w http.ResponseWriter, r *http.Request) {
	st, stale := h.LastKnown()
	respondStatus(w, st, stale)
}

// HTTPMoveTo triggers an absolute move from {"f64": pos, "speed": v}.
func (h Wrapper) HTTPMoveTo(w http.ResponseWriter, r *http.Request) {
	var m MoveT
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := h.MoveTo(m.F64, m.Speed); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPHome homes the axis given as {"int": axis}.
func (h Wrapper) HTTPHome(w http.ResponseWriter, r *http.Request) {
	var a IntT
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := h.Home(a.Int); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPJog starts a jog from {"direction": ±1, "speed": v}.
func (h Wrapper) HTTPJog(w http.ResponseWriter, r *http.Request) {
	var j JogT
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := h.Jog(j.Direction, j.Speed); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPStop halts motion.
func (h Wrapper) HTTPStop(w http.ResponseWriter, r *http.Request) {
	if err := h.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPSetParam writes the parameter named by the key route param (a single
// ASCII character) from {"int": value}.
func (h Wrapper) HTTPSetParam(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if len(key) != 1 {
		http.Error(w, "parameter key must be a single character, got "+strconv.Quote(key), http.StatusBadRequest)
		return
	}
	var v IntT
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := h.SetParameter(key[0], int64(v.Int)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
