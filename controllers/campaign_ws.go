package controller

import (
	"strconv"
	"time"

	"mailpilot/models"

	"github.com/gofiber/websocket/v2"
)

// CampaignProgressWS pushes the campaign's progress every PollEvery until it
// reaches a terminal status or the client goes away.
func (cc *CampaignController) CampaignProgressWS(conn *websocket.Conn) {
	defer conn.Close()

	user, _ := conn.Locals("user").(*models.User)
	id, err := strconv.ParseUint(conn.Params("id"), 10, 32)
	if user == nil || err != nil {
		conn.WriteJSON(map[string]string{"error": "invalid campaign"})
		return
	}
	log := cc.Logger.WithField("campaign_id", id)

	// drain client frames so a close is noticed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(cc.pollEvery())
	defer ticker.Stop()

	var last CampaignProgress
	for first := true; ; first = false {
		var ec models.EmailCampaign
		ok, err := findOwned(cc.DB, &ec, uint(id), user.ID)
		if err != nil {
			log.WithError(err).Error("failed to load campaign progress")
			return
		}
		if !ok {
			conn.WriteJSON(map[string]string{"error": "campaign not found"})
			return
		}

		p := progressOf(&ec)
		if first || p != last {
			if err := conn.WriteJSON(p); err != nil {
				log.WithError(err).Debug("progress socket write failed")
				return
			}
			last = p
		}
		if ec.Status.IsTerminal() {
			return
		}

		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

func (cc *CampaignController) pollEvery() time.Duration {
	if cc.PollEvery > 0 {
		return cc.PollEvery
	}
	return time.Second
}
