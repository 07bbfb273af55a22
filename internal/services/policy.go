package services

import "strconv"

const (
	// CardWindowYears is how many intake years of student cards are accepted,
	// counting back from the configured card year.
	CardWindowYears = 4

	MinNationalIDAge = 18
	MaxNationalIDAge = 22
)

// Policy holds the configured years the identity checks are evaluated against.
type Policy struct {
	// CardYear is the two-digit intake year of the newest student cards.
	CardYear int
	// CurrentYear is the calendar year ages are computed in.
	CurrentYear int
}

// ValidStudentCard reports whether the first two characters of id are an
// intake year within the CardWindowYears ending at cardYear.
func ValidStudentCard(id string, cardYear int) bool {
	if len(id) < 2 || id[0] < '0' || id[0] > '9' || id[1] < '0' || id[1] > '9' {
		return false
	}
	year, err := strconv.Atoi(id[:2])
	if err != nil {
		return false
	}
	return year <= cardYear && year > cardYear-CardWindowYears
}

// ValidNationalIDAge reports whether someone born in birthYear is between
// MinNationalIDAge and MaxNationalIDAge (inclusive) in currentYear.
func ValidNationalIDAge(birthYear, currentYear int) bool {
	age := currentYear - birthYear
	return age >= MinNationalIDAge && age <= MaxNationalIDAge
}
