package normalizer

// Field aliases in priority order. Upstream renamed these fields several
// times across API versions and endpoints; every known spelling is listed.
var (
	jobIDKeys       = []string{"taskId", "task_id", "id"}
	stateKeys       = []string{"status", "state", "callbackType", "callback_type"}
	assetURLKeys    = []string{"audio_url", "audioUrl", "audio", "streamAudioUrl", "stream_audio_url"}
	streamURLKeys   = []string{"stream_audio_url", "streamAudioUrl"}
	titleKeys       = []string{"title"}
	coverKeys       = []string{"image_url", "imageUrl", "cover_image_url", "coverUrl"}
	lyricsKeys      = []string{"prompt", "lyrics", "lyric"}
	durationKeys    = []string{"duration", "duration_seconds"}
	tagsKeys        = []string{"tags"}
	errorDetailKeys = []string{"errorMessage", "error_message", "error", "msg", "message"}
	codeKeys        = []string{"code"}
)

// Scopes searched for result fields, outermost first. A list met on the way
// is expanded element by element, so {"data":{"data":[{...}]}} yields the
// track objects in order.
var resultPaths = [][]string{
	{},
	{"data"},
	{"data", "data"},
	{"data", "response", "sunoData"},
	{"data", "response", "data"},
}

// The task id and the envelope code never live inside the track list.
var envelopePaths = [][]string{
	{},
	{"data"},
}

var (
	successStates = map[string]struct{}{
		"success":   {},
		"succeeded": {},
		"done":      {},
		"complete":  {},
		"completed": {},
	}
	failureStates = map[string]struct{}{
		"fail":   {},
		"failed": {},
		"error":  {},
	}
)
