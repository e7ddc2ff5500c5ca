// Package tipi implements the control protocol between the controller and tools.
//
// A tool is started with three extra arguments:
//
//	--si-connect=tipi://127.0.0.1:<port> --si-identifier=<session> --si-log-filter-level=<n>
//
// It dials the controller (a websocket on /tipi) and identifies itself with the
// session identifier. Server hands the connection to the Session registered under
// that identifier, after that the conversation is:
//
//	controller                            tool
//	    |<------- identification ----------|
//	    |-------- capabilities ----------->|  (optional)
//	    |<------- capabilities ------------|
//	    |-------- configuration ---------->|
//	    |<------- configuration -----------|  accepted, possibly amended
//	    |-------- start ------------------>|
//	    |<------- report ------------------|  zero or more
//	    |<------- task --------------------|  success or failure
//	    |-------- termination ------------>|
//
// A rejected configuration is answered with a failed task instead of a configuration.
// Every message is a JSON object {"type": ..., "payload": ...}.
package tipi
