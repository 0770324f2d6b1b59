// Package transfer implements the TCP framed download protocol and UDP
// discovery client described in spec §4.5-4.6: a blocking,
// single-threaded-per-session client that fetches a remote file through
// a checkpointed, optionally hash-verified byte stream, reconnecting on
// idle timeout or loss.
package transfer

// Version selects the request variant sent to GetFile, which in turn
// selects how much checkpoint bookkeeping the streaming state machine
// performs.
type Version int

const (
	// VersionPlain requests the whole file as a single checkpoint with
	// no resume support: GET_FILE.
	VersionPlain Version = iota
	// VersionResume adds an optional starting offset and resumes at
	// `received` on reconnect, with no MD5 checkpoint tails:
	// GET_FILE_RESUME.
	VersionResume
	// VersionResumeHash adds MD5 checkpoint tails every CheckpointDist
	// bytes and resumes at the last checkpoint boundary on reconnect:
	// GET_FILE_RESUME_HASH.
	VersionResumeHash
)

// CheckpointDist is the byte distance between MD5 checkpoints under
// [VersionResumeHash], per spec §4.5.
const CheckpointDist = 512 * 1024

// Wire tags. Single-byte command/response discriminators framing every
// request and the server's initial response. Exported so a server
// implementation outside this package (cmd/dataplaned) can speak the
// same framing without duplicating the constants.
const (
	TagPing    byte = 1
	TagPong    byte = 2
	TagGetFile byte = 3

	TagGetFileResume     byte = 4
	TagGetFileResumeHash byte = 5
	TagGetGamelist       byte = 6
	TagGamelist          byte = 7

	TagCouldntOpen byte = 10
	TagBaseDirLost byte = 11
	TagFilesize    byte = 12
)

// serverTimeout bounds how long the client waits for a byte to arrive
// before treating the connection as idle and attempting reconnection.
const serverTimeout = 60 * 1000 // milliseconds, mirrors SERVER_TIMEOUT

// maxReconnectTries bounds the idle-reconnect loop of §4.5.
const maxReconnectTries = 5000

// defaultReconnectDeadline is the hard wall-clock bound on total
// reconnection time from §4.6.
const defaultReconnectDeadline = 300 // seconds
