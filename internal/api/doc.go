// Package api exposes the local control interface of the co-sign agent: the
// conversation log, connection status, outbound messages and the confirm and
// sign decisions on pending actions.
package api
