// Package action runs the external commands configured as before and after
// actions around every accepted delivery.
//
// An action reference is a command line. The first word is the executable;
// words may be quoted with single or double quotes. The process receives a
// JSON envelope on stdin:
//
//	{"stage":"before","delivery_id":"...","event":"push","payload":{...}}
//
// and the environment variables ISCA_STAGE and ISCA_DELIVERY_ID. When the
// context deadline passes the process gets SIGTERM, then SIGKILL after a
// grace period.
package action
