// Package protocol defines the JSON envelopes exchanged over the campaign
// websocket.
//
// Every frame is {"type": <Type>, "data": <payload>}.
//
// Client -> Server
//
//	join-campaign:             campaignId, role ("dm"|"player"), password?, characters?
//	leave-campaign:            {}
//	request-connected-players: {}
//	request-state-sync:        {}
//	request-player-positions:  {}
//	player-position:           opaque, relayed to the room
//	state-sync | combat-update (DM): state
//	combat-start (DM):         participants[]
//	combat-stop (DM):          {}
//	next-turn (DM):            {}
//	add-participant (DM):      participant
//	remove-participant (DM):   id
//	hp-change:                 id, newHp, change?, maxHp?
//	condition-change:          id, conditions[], conditionDurations?
//	exhaustion-change:         id, exhaustionLevel
//	death-save-change:         id, deathSaves{successes, failures}
//	ambient-effect (DM):       opaque
//	inventory-update:          characterId, inventory
//	notification:              opaque
//
// Server -> Client
//
//	join-success:              campaignId, role, socketId, sessionToken? (dm only)
//	join-error:                code, message
//	connected-players:         players[]
//	player-connected:          socketId, characters[]
//	player-disconnected:       socketId, characters[]
//	dm-reconnected | dm-disconnected: campaignId
//	request-state-sync:        requesterId (answered by the DM)
//	state-sync | combat-update: action, state
//	combat-start | combat-stop | next-turn: action, state
//	hp-change | condition-change | exhaustion-change | death-save-change:
//	                           the request fields with resulting absolute values, participant?
//	ambient-effect | notification | inventory-update | player-position |
//	request-player-positions:  relayed payloads
//	error:                     code, message
package protocol
