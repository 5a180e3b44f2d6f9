package session

import "context"

// Controller is the part of the channel manager driven by presence.
type Controller interface {
	Connect()
	Disconnect()
}

// Follow connects ctrl while a user is present and disconnects it when the
// user goes away. A switch to another user reconnects, since the live
// connection is authenticated as the previous one. It blocks until ctx is
// done and disconnects on return.
func Follow(ctx context.Context, sess *Session, ctrl Controller) {
	defer ctrl.Disconnect()

	var connectedAs string
	apply := func() {
		user := sess.User()
		if user == nil {
			connectedAs = ""
			ctrl.Disconnect()
			return
		}
		if connectedAs != "" && connectedAs != user.ID {
			ctrl.Disconnect()
		}
		connectedAs = user.ID
		ctrl.Connect()
	}

	apply()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Changes():
			apply()
		}
	}
}
