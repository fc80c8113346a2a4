// Package repository implements the storage interfaces of the domain packages on gorm.
package repository

import (
	"errors"

	"gorm.io/gorm"
)

// found maps gorm's not-found error to a nil result
func found(err error) (bool, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
