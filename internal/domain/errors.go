package domain

import "errors"

var (
	ErrInvalidID                 = errors.New("invalid id")
	ErrInvalidName               = errors.New("invalid name")
	ErrInvalidPackageID          = errors.New("invalid package id")
	ErrInvalidVersion            = errors.New("invalid version")
	ErrInvalidVersionRange       = errors.New("invalid version range")
	ErrInvalidProjectStyle       = errors.New("invalid project style")
	ErrInvalidActionType         = errors.New("invalid action type")
	ErrInvalidDependencyBehavior = errors.New("invalid dependency behavior")
	ErrInvalidVersionConstraint  = errors.New("invalid version constraint")
	ErrInvalidEventKind          = errors.New("invalid project event kind")
)
