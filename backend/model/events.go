package model

// Inbound event names, per namespace.
const (
	EventCreateRoom   = "create_room"
	EventJoinRoom     = "join_room"
	EventLeave        = "leave"
	EventWatchControl = "watch_control"
	EventMakeMove     = "make_move"
	EventResign       = "resign"
	EventInitiate     = "initiate"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice_candidate"
	EventEndCall      = "end_call"
)

// Outbound event names.
const (
	EventConnected    = "connected"
	EventRoomCreated  = "room_created"
	EventRoomJoined   = "room_joined"
	EventStateUpdate  = "state_update"
	EventMoveMade     = "move_made"
	EventWatchSync    = "watch_sync"
	EventPeerJoined   = "peer_joined"
	EventPeerLeft     = "peer_left"
	EventRoomClosed   = "room_closed"
	EventActivityOver = "activity_over"
	EventCallIncoming = "call_incoming"
	EventCallEnded    = "call_ended"
	EventError        = "error"
)
