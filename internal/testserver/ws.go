package testserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/securetalk/securetalk-go/internal/models"
)

// frame is the union of everything a client can send on the live
// channel. No type tag means a chat message.
type frame struct {
	Type    string  `json:"type,omitempty"`
	Message string  `json:"message,omitempty"`
	TempID  int64   `json:"tempId,omitempty"`
	IDs     []int64 `json:"ids,omitempty"`
}

// outFrame is everything the server pushes back.
type outFrame struct {
	Type      string  `json:"type,omitempty"`
	ID        int64   `json:"id,omitempty"`
	TempID    int64   `json:"tempId,omitempty"`
	Sender    string  `json:"sender,omitempty"`
	Receiver  string  `json:"receiver,omitempty"`
	Message   string  `json:"message,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	Status    string  `json:"status,omitempty"`
	Username  string  `json:"username,omitempty"`
	Active    bool    `json:"active,omitempty"`
	IDs       []int64 `json:"ids,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer"]

	username, err := s.verifyToken(r.URL.Query().Get("token"), "access")
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn}

	s.mu.Lock()
	s.conns[username] = client
	other := s.conns[peer]
	s.mu.Unlock()

	// Tell the newcomer whether the peer is already here, and tell the
	// peer the newcomer arrived.
	client.writeJSON(outFrame{Type: "user_active", Username: peer, Active: other != nil})
	if other != nil {
		other.writeJSON(outFrame{Type: "user_active", Username: username, Active: true})
	}

	go s.readLoop(client, username, peer)
}

func (s *Server) readLoop(client *wsClient, username, peer string) {
	defer func() {
		s.mu.Lock()
		if s.conns[username] == client {
			delete(s.conns, username)
		}
		other := s.conns[peer]
		s.mu.Unlock()

		client.conn.Close()
		if other != nil {
			other.writeJSON(outFrame{Type: "user_active", Username: username, Active: false})
		}
	}()

	for {
		var f frame
		if err := client.conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Type {
		case "":
			s.deliverMessage(client, username, peer, f)
		case "typing", "stop_typing":
			s.forwardToPeer(peer, outFrame{Type: f.Type, Username: username})
		case "read_messages":
			s.acknowledge(username, f.IDs)
		}
	}
}

// deliverMessage assigns a server id, stores the message, echoes the
// full copy back to the sender (tempId included so the client promotes
// its optimistic entry) and delivers it to the peer when connected.
func (s *Server) deliverMessage(client *wsClient, username, peer string, f frame) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	out := outFrame{
		ID:        id,
		TempID:    f.TempID,
		Sender:    username,
		Receiver:  peer,
		Message:   f.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    "sent",
	}
	s.messages[convKey(username, peer)] = append(s.messages[convKey(username, peer)], storedMessage(out))
	other := s.conns[peer]
	s.mu.Unlock()

	client.writeJSON(out)
	if other != nil {
		delivered := out
		delivered.TempID = 0
		delivered.Status = "delivered"
		other.writeJSON(delivered)
	}
}

// acknowledge marks ids read and sends a read_receipt to each
// message's author if connected.
func (s *Server) acknowledge(reader string, ids []int64) {
	byAuthor := map[string][]int64{}

	s.mu.Lock()
	for _, history := range s.messages {
		for i := range history {
			m := &history[i]
			for _, id := range ids {
				if m.ID == id && m.Receiver == reader {
					m.Status = "seen"
					byAuthor[m.Sender] = append(byAuthor[m.Sender], id)
				}
			}
		}
	}
	conns := map[string]*wsClient{}
	for author := range byAuthor {
		conns[author] = s.conns[author]
	}
	s.mu.Unlock()

	for author, authorIDs := range byAuthor {
		if c := conns[author]; c != nil {
			c.writeJSON(outFrame{Type: "read_receipt", IDs: authorIDs})
		}
	}
}

func storedMessage(f outFrame) models.Message {
	ts, _ := time.Parse(time.RFC3339, f.Timestamp)
	return models.Message{
		ID:        f.ID,
		Sender:    f.Sender,
		Receiver:  f.Receiver,
		Body:      f.Message,
		Timestamp: ts,
		Status:    models.MessageStatus(f.Status),
	}
}

func (s *Server) forwardToPeer(peer string, f outFrame) {
	s.mu.Lock()
	other := s.conns[peer]
	s.mu.Unlock()
	if other != nil {
		other.writeJSON(f)
	}
}
