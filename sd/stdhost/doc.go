// Package stdhost implements [hal.Host] and [hal.DMAHost] for standard
// SD host controllers, over a 32-bit register space provided by the
// platform.
//
// It covers the full transport surface the protocol core needs: command
// issue with inhibit waits, automatic stop strategy selection, response
// capture, and the polled data shovel; clock divisor programming for
// version 2 and version 3 host encodings; the 1.8V signaling switch
// sequence; soft resets; ADMA2 descriptor-chain and SDMA single-region
// DMA; and the split interrupt service/dispatch path that delivers media
// changes and DMA completions.
//
// The platform wires two entry points to its interrupt machinery:
// [Host.InterruptService] from the interrupt handler, and
// [Host.DispatchEvents] from a safe deferred priority.
package stdhost
