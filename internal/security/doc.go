// Package security derives a read-only posture report from engine settings
// and flags weak or risky combinations.
package security
