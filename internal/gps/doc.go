// Package gps turns absolute location fixes into displacement relative to
// the first fix of a session, and reads fixes from NMEA serial receivers and
// gpsd.
package gps
