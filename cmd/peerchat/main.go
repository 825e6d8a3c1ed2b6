package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"peerchat/internal/config"
	"peerchat/internal/crypto"
	"peerchat/internal/models"
	"peerchat/internal/peer"
	"peerchat/internal/room"
	"peerchat/internal/signal"
	"peerchat/internal/storage"
	"peerchat/internal/utils"
)

// printer writes controller events to stdout.
type printer struct{}

func (printer) PeerConnected(roomID, peerID string) {
	fmt.Printf("* peer %s connected in %s\n", peerID, roomID)
}

func (printer) PeerDisconnected(roomID, peerID string) {
	fmt.Printf("* peer %s disconnected from %s\n", peerID, roomID)
}

func (printer) MessageReceived(msg *models.Message) {
	fmt.Printf("[%s] %s: %s\n", utils.FormatPrettyTime(msg.SentAt), msg.SenderName, msg.Body)
}

func (printer) TypingIndicator(roomID, peerID string, active bool) {
	if active {
		fmt.Printf("* %s is typing...\n", peerID)
	}
}

func (printer) PeerInfoUpdated(rec *models.PeerRecord) {
	fmt.Printf("* %s is known as %q\n", rec.PeerUserID, rec.DisplayName)
}

func main() {
	cfg := config.Load()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	self, err := loadIdentity(ctx, store, cfg.DisplayName)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("identity %s (%s)\n", self.DisplayName, self.ID)

	signals, err := dialSignaling(cfg, self.ID)
	if err != nil {
		log.Fatal(err)
	}

	transport, err := peer.NewTCPTransport(cfg.PeerListenAddr, cfg.AdvertiseHost)
	if err != nil {
		log.Fatal(err)
	}

	opts := room.Options{PresenceInterval: cfg.PresenceInterval}
	if cfg.StrictJoin {
		opts.JoinPolicy = room.JoinStrict
	}
	ctrl := room.NewController(self, store, crypto.NewEngine(), signals, transport, opts)
	ctrl.SetObserver(printer{})
	defer ctrl.Close()

	repl(ctx, ctrl)
}

func loadIdentity(ctx context.Context, store *storage.Store, displayName string) (*models.Identity, error) {
	self, err := store.GetIdentity(ctx)
	if err == nil {
		return self, nil
	}
	self = &models.Identity{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		CreatedAt:   time.Now().UnixMicro(),
	}
	if err := store.SaveIdentity(ctx, self); err != nil {
		return nil, err
	}
	return self, nil
}

func dialSignaling(cfg *config.Config, userID string) (signal.Channel, error) {
	switch {
	case cfg.RedisAddr != "":
		return signal.DialRedis(cfg.RedisAddr, userID)
	case cfg.RelayURL != "":
		return signal.DialRelay(cfg.RelayURL, userID)
	default:
		return nil, fmt.Errorf("set PEERCHAT_REDIS_ADDR or PEERCHAT_RELAY_URL")
	}
}

func exportSealed(ctx context.Context, ctrl *room.Controller, file, passphrase string) error {
	snap, err := ctrl.ExportAllData(ctx)
	if err != nil {
		return err
	}
	sealed, err := storage.SealSnapshot(snap, passphrase)
	if err != nil {
		return err
	}
	return os.WriteFile(file, sealed, 0o600)
}

func importSealed(ctx context.Context, ctrl *room.Controller, file, passphrase string) error {
	sealed, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	snap, err := storage.OpenSnapshot(sealed, passphrase)
	if err != nil {
		return err
	}
	return ctrl.ImportAllData(ctx, snap)
}

func repl(ctx context.Context, ctrl *room.Controller) {
	var current *models.Room
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: /create [name], /join CODE, /leave, /peers, /history, /fingerprint, /rotate, /delete, /export FILE PASS, /import FILE PASS, /quit")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if current == nil {
				fmt.Println("join a room first")
				continue
			}
			if _, err := ctrl.SendMessage(ctx, current.ID, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/create":
			r, err := ctrl.CreateRoom(ctx, arg, "", false)
			if err != nil {
				fmt.Printf("create failed: %v\n", err)
				continue
			}
			current = r
			fmt.Printf("room %q created, share code %s\n", r.Name, r.SecretCode)
		case "/join":
			if arg == "" {
				fmt.Println("usage: /join CODE")
				continue
			}
			r, err := ctrl.JoinRoom(ctx, strings.ToUpper(arg))
			if err != nil {
				fmt.Printf("join failed: %v\n", err)
				continue
			}
			current = r
			fmt.Printf("joined %q\n", r.Name)
		case "/leave":
			if current != nil {
				ctrl.LeaveRoom(current.ID)
				current = nil
			}
		case "/peers":
			if current == nil {
				continue
			}
			peers, err := ctrl.RoomPeers(ctx, current.ID)
			if err != nil {
				fmt.Printf("peers failed: %v\n", err)
				continue
			}
			for i := range peers {
				status := "offline"
				if peers[i].IsOnline {
					status = "online"
				}
				fmt.Printf("%s (%s) %s\n", peers[i].DisplayName, peers[i].PeerUserID, status)
			}
		case "/history":
			if current == nil {
				continue
			}
			msgs, err := ctrl.History(ctx, current.ID, 50)
			if err != nil {
				fmt.Printf("history failed: %v\n", err)
				continue
			}
			for i := range msgs {
				fmt.Printf("[%s] %s: %s\n", utils.FormatPrettyTime(msgs[i].SentAt), msgs[i].SenderName, msgs[i].Body)
			}
		case "/fingerprint":
			if current == nil {
				continue
			}
			fp, err := ctrl.Fingerprint(current.ID)
			if err != nil {
				fmt.Printf("fingerprint failed: %v\n", err)
				continue
			}
			fmt.Printf("room key fingerprint: %s\n", fp)
		case "/rotate":
			if current == nil {
				continue
			}
			v, err := ctrl.RotateRoomKey(ctx, current.ID)
			if err != nil {
				fmt.Printf("rotate failed: %v\n", err)
				continue
			}
			fmt.Printf("room key rotated to version %d\n", v)
		case "/delete":
			if current == nil {
				continue
			}
			if err := ctrl.DeleteRoom(ctx, current.ID); err != nil {
				fmt.Printf("delete failed: %v\n", err)
				continue
			}
			current = nil
			fmt.Println("room deleted")
		case "/export":
			file, pass, ok := strings.Cut(arg, " ")
			if !ok {
				fmt.Println("usage: /export FILE PASSPHRASE")
				continue
			}
			if err := exportSealed(ctx, ctrl, file, pass); err != nil {
				fmt.Printf("export failed: %v\n", err)
				continue
			}
			fmt.Printf("data exported to %s\n", file)
		case "/import":
			file, pass, ok := strings.Cut(arg, " ")
			if !ok {
				fmt.Println("usage: /import FILE PASSPHRASE")
				continue
			}
			if err := importSealed(ctx, ctrl, file, pass); err != nil {
				fmt.Printf("import failed: %v\n", err)
				continue
			}
			fmt.Println("data imported")
		case "/quit":
			return
		default:
			fmt.Printf("unknown command %s\n", cmd)
		}
	}
}
