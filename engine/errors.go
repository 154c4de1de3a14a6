package engine

import (
	"errors"
	"net/http"
)

var (
	// ErrConfiguration is generated when a configuration is rejected before any hardware is touched
	ErrConfiguration = errors.New("engine: invalid configuration")

	// ErrHardwareConfig is generated when an adapter rejects its parameters
	ErrHardwareConfig = errors.New("engine: hardware rejected configuration")

	// ErrAcquisitionTimeout is generated when no buffer arrived in time, usually a missing trigger
	ErrAcquisitionTimeout = errors.New("engine: acquisition timed out")

	// ErrAcquisitionFault is generated for any other acquisition failure
	ErrAcquisitionFault = errors.New("engine: acquisition fault")

	// ErrTransport is generated when a modulator command could not be delivered
	ErrTransport = errors.New("engine: modulator transport error")

	// ErrCalibrationLoad is generated when the calibration table cannot be read
	ErrCalibrationLoad = errors.New("engine: calibration load failed")

	// ErrInterrupted is generated when a preparation is stopped before it ran
	ErrInterrupted = errors.New("engine: interrupted before running")

	// ErrBusy is generated when an operation needs the engine idle and it is not
	ErrBusy = errors.New("engine: busy")

	// ErrNoSolution is generated when a solution is requested before any configuration
	ErrNoSolution = errors.New("engine: no solution, configure first")
)

// httpStatus maps an engine error to an HTTP status code
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, ErrBusy), errors.Is(err, ErrInterrupted):
		return http.StatusConflict
	case errors.Is(err, ErrNoSolution):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrAcquisitionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrHardwareConfig), errors.Is(err, ErrTransport), errors.Is(err, ErrAcquisitionFault):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
