package config

// Default templates written when the configuration file is missing. Every
// key is present with its default so a fresh install documents itself.

const teacherTemplate = `# classcast teacher configuration

# Address students connect to.
listen_addr: 0.0.0.0:5000

# Address of the local panel bridge (WebSocket + HTTP API).
panel_addr: 127.0.0.1:5001

# Student uploads are stored here, sharded by student ID.
# Relative paths resolve against this file's directory.
upload_dir: uploads

# Session and transfer history (SQLite).
history_db: classcast.db

# Fan out captured audio by default; force_audio overrides student mute.
enable_audio_by_default: true
force_audio: false

# Hint students to auto-open distributed files.
file_auto_open: false

heartbeat_interval: 10s
idle_timeout: 30s
stall_timeout: 15s
ack_timeout: 30s
write_timeout: 10s

# Per-student outbound queue bounds. Video overflows drop the oldest
# frame; audio waits up to audio_wait, then delivers anyway.
video_queue: 64
audio_queue: 256
audio_wait: 200ms

chunk_size: 65536
capture_fps: 12
`

const studentTemplate = `# classcast student configuration

# Teacher address.
teacher_addr: 127.0.0.1:5000

# Identity shown to the teacher. Student IDs use letters, digits, - and _.
student_id: S00
student_name: Student

# Distributed files are stored here. Relative paths resolve against this
# file's directory.
download_dir: downloads

# Open distributed files automatically when the teacher hints it.
auto_open_files: false

# Start with audio playback muted.
start_muted: false

heartbeat_interval: 5s
write_timeout: 10s
chunk_size: 65536
`
