// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// maxCounterDigits ограничивает длину показания механического счётчика.
const maxCounterDigits = 9

// IsValidCounterReading проверяет, что строка является записью показания
// счётчика: только цифры, непустая и разумной длины.
func IsValidCounterReading(reading string) bool {
	if reading == "" || len(reading) > maxCounterDigits {
		return false
	}

	for _, ch := range reading {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}

// IsValidMachineID проверяет идентификатор автомата: латинские буквы, цифры
// и дефис, непустой.
func IsValidMachineID(id string) bool {
	if id == "" || len(id) > 32 {
		return false
	}

	for _, ch := range id {
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '-':
		default:
			return false
		}
	}

	return true
}
