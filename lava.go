// Package lava is a client for Lavalink and Obsidian compatible audio
// nodes. It maintains an authenticated websocket to each node, forwards
// Discord voice credentials and playback commands, and translates the
// node's event stream into application callbacks. Audio itself is decoded
// and streamed entirely by the remote node process.
package lava

// Version is reported to nodes through the Client-Name header.
const Version = "0.3.0"

const clientName = "lava/" + Version
