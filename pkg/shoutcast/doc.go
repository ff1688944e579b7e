// Package shoutcast talks to Icecast/Shoutcast servers: it opens the audio
// stream with ICY metadata stripped, resolves playlists, and polls the
// server's JSON status document for the current title.
//
// The stream reader started as a fork of github.com/romantomjak/shoutcast:
//   - Playlist resolution: .pls and .m3u URLs are resolved to the actual stream URL
//   - Correct metadata stripping: ICY metadata blocks are read and skipped so only audio bytes are returned
//   - No client timeout on the stream so long-running recording is supported
package shoutcast
