// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FloatT is a struct with a single float64 field, serialized as {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, serialized as {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, serialized as {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, serialized as {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a payload that is encoded as JSON for programs and as
// plain text for people, depending on the Accept header of the request.
// T selects which of the fields is sent.
type HumanPayload struct {
	Bool   bool
	Float  float64
	Int    int
	String string
	T      types.BasicKind
}

// value returns the JSON wrapper and the text form of the payload
func (hp HumanPayload) value() (interface{}, string, error) {
	switch hp.T {
	case types.Bool:
		return BoolT{hp.Bool}, strconv.FormatBool(hp.Bool), nil
	case types.Float64:
		return FloatT{hp.Float}, strconv.FormatFloat(hp.Float, 'g', -1, 64), nil
	case types.Int:
		return IntT{hp.Int}, strconv.Itoa(hp.Int), nil
	case types.String:
		return StrT{hp.String}, hp.String, nil
	default:
		return nil, "", fmt.Errorf("server: unsupported payload kind %d", hp.T)
	}
}

// EncodeAndRespond writes the payload to w.  Clients that accept text/plain
// but not JSON get the bare value.
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	v, txt, err := hp.value()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/plain") && !strings.Contains(accept, "json") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, txt)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// ReplyJSON encodes v as the body of the reply
func ReplyJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", filePath)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}
