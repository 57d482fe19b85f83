package store

import (
	"errors"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/sweep"
)

// Multi forwards every call to each recorder in order. All recorders see
// every call even when an earlier one fails.
type Multi []sweep.Recorder

func (m Multi) Begin(info sweep.RunInfo) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Begin(info))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordSetpoint(info sweep.RunInfo, rec sweep.SetpointRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordSetpoint(info, rec))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordCurve(info sweep.RunInfo, curve []sweep.ResultPoint) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordCurve(info, curve))
	}
	return errors.Join(errs...)
}
