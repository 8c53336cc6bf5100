package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/TNZtims/bazaar-pos-sub001/client"
	"github.com/TNZtims/bazaar-pos-sub001/models"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // rejected by the service (insufficient stock, unknown product)
	ExitCommandError = 2 // bad flags, unreachable service, unreadable intent log
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// serviceError classifies a client error: rejections are failures, the
// rest are command errors.
func serviceError(message string, err error) *ExitError {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status < 500 {
		return WrapExitError(ExitFailure, message, err)
	}
	return WrapExitError(ExitCommandError, message, err)
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Message   string `json:"message"`
	Remaining *int   `json:"remaining,omitempty"`
}

// Output writes results in the selected format.
type Output struct {
	Format string
	Writer io.Writer
}

// Result prints data; text mode uses text().
func (o *Output) Result(data any, text func(w io.Writer)) error {
	if o.Format == "json" {
		return json.NewEncoder(o.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	text(o.Writer)
	return nil
}

// Failure prints a rejected request.
func (o *Output) Failure(err error) {
	if o.Format == "json" {
		cliErr := &CLIError{Message: err.Error()}
		if n, ok := client.Remaining(err); ok {
			cliErr.Remaining = &n
		}
		_ = json.NewEncoder(o.Writer).Encode(CLIResponse{Status: "error", Error: cliErr})
		return
	}
	if n, ok := client.Remaining(err); ok {
		fmt.Fprintf(o.Writer, "rejected: only %d remaining\n", n)
		return
	}
	fmt.Fprintf(o.Writer, "rejected: %v\n", err)
}

func printResult(w io.Writer, res *models.ReservationResult) {
	fmt.Fprintf(w, "%s %s x%d: held %d, available %d (v%d)\n",
		res.Action, res.ProductID, res.Quantity, res.Held, res.AvailableQuantity, res.Version)
}

func printAvailability(w io.Writer, list []models.Availability) {
	fmt.Fprintf(w, "%-20s %8s %8s %8s\n", "PRODUCT", "TOTAL", "HELD", "AVAIL")
	for _, a := range list {
		fmt.Fprintf(w, "%-20s %8d %8d %8d\n", a.ProductID, a.TotalQuantity, a.ReservedQuantity, a.AvailableQuantity)
	}
}
