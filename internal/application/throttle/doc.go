// Package throttle paces admission of new validation sets.
//
// The Throttler reads the current event rate, decides how long to wait
// between admissions and stops its run loop after a configured wall-clock
// window so the hosting process can recycle.
package throttle
