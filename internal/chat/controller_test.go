package chat_test

import (
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/docstore/memory"
	"github.com/socialchat/internal/model"
)

const (
	alice = "alice"
	bob   = "bob"
	carol = "carol"
)

var _ = Describe("Controller", func() {
	var (
		ctx    context.Context
		mem    *memory.Store
		store  *recordingStore
		timers *fakeTimers
		obsA   *recorder
		ctrlA  *chat.Controller
	)

	newController := func(uid, name string, obs chat.Observer, opts ...chat.Option) *chat.Controller {
		c := chat.New(store, chat.Session{UserID: uid, DisplayName: name, AvatarURL: "/a/" + uid + ".png"}, obs, opts...)
		Expect(c.Start(ctx)).To(Succeed())
		DeferCleanup(c.Dispose)
		return c
	}

	stateOf := func(c *chat.Controller) func() chat.State {
		return func() chat.State {
			_, s := c.State()
			return s
		}
	}

	openLive := func(c *chat.Controller, id string) {
		Expect(c.Open(ctx, id)).To(Succeed())
		Eventually(stateOf(c)).Should(Equal(chat.StateLive))
	}

	conversationDocs := func() []docstore.Document {
		docs, err := mem.Query(ctx, docstore.Query{Collection: model.CollectionConversations})
		Expect(err).NotTo(HaveOccurred())
		return docs
	}

	messageDocs := func(convID string) []docstore.Document {
		docs, err := mem.Query(ctx, docstore.Query{Collection: model.MessagesCollection(convID), OrderBy: "createdAt"})
		Expect(err).NotTo(HaveOccurred())
		return docs
	}

	BeforeEach(func() {
		ctx = context.Background()
		mem = memory.New()
		DeferCleanup(mem.Close)
		store = &recordingStore{Store: mem}
		timers = &fakeTimers{}
		for uid, name := range map[string]string{alice: "Alice", bob: "Bob", carol: "Carol"} {
			Expect(mem.Set(ctx, model.CollectionUsers, uid, map[string]any{
				"displayName": name,
				"photoURL":    "/a/" + uid + ".png",
				"online":      false,
				"lastActive":  docstore.ServerTimestamp,
			})).To(Succeed())
		}
		obsA = newRecorder()
		ctrlA = newController(alice, "Alice", obsA, chat.WithTimers(timers))
	})

	Describe("sending hello to a new contact", func() {
		It("creates one conversation, one message and the list preview", func() {
			id, err := ctrlA.StartConversation(ctx, bob)
			Expect(err).NotTo(HaveOccurred())
			openLive(ctrlA, id)
			Expect(ctrlA.Send(ctx, "hello")).To(Succeed())

			convs := conversationDocs()
			Expect(convs).To(HaveLen(1))
			conv, err := model.DecodeConversation(convs[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.Participants).To(ConsistOf(alice, bob))
			Expect(conv.ParticipantInfo[bob].Name).To(Equal("Bob"))
			Expect(conv.LastMessage).NotTo(BeNil())
			Expect(conv.LastMessage.Text).To(Equal("hello"))
			Expect(conv.LastMessage.SenderID).To(Equal(alice))
			Expect(conv.LastMessage.Read).To(BeFalse())

			msgs := messageDocs(id)
			Expect(msgs).To(HaveLen(1))
			m, err := model.DecodeMessage(msgs[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Text).To(Equal("hello"))
			Expect(m.SenderID).To(Equal(alice))

			Eventually(func() []model.Message { return obsA.Messages(id) }).Should(HaveLen(1))
			Eventually(func() string {
				list := obsA.Conversations()
				if len(list) != 1 || list[0].LastMessage == nil {
					return ""
				}
				return list[0].LastMessage.Text
			}).Should(Equal("hello"))
		})
	})

	Describe("StartConversation", func() {
		It("is idempotent for the same target", func() {
			id1, err := ctrlA.StartConversation(ctx, bob)
			Expect(err).NotTo(HaveOccurred())
			id2, err := ctrlA.StartConversation(ctx, bob)
			Expect(err).NotTo(HaveOccurred())
			Expect(id2).To(Equal(id1))
			Expect(conversationDocs()).To(HaveLen(1))
		})

		It("finds a conversation the other side created", func() {
			ctrlB := newController(bob, "Bob", newRecorder())
			id, err := ctrlB.StartConversation(ctx, alice)
			Expect(err).NotTo(HaveOccurred())
			got, err := ctrlA.StartConversation(ctx, bob)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(id))
		})

		It("uses one document per pair with pair keys", func() {
			ctrlB := newController(bob, "Bob", newRecorder(), chat.WithPairKeys(true))
			ctrlA2 := newController(alice, "Alice", newRecorder(), chat.WithPairKeys(true))
			idB, err := ctrlB.StartConversation(ctx, alice)
			Expect(err).NotTo(HaveOccurred())
			idA, err := ctrlA2.StartConversation(ctx, bob)
			Expect(err).NotTo(HaveOccurred())
			Expect(idA).To(Equal(idB))
			Expect(conversationDocs()).To(HaveLen(1))
		})

		It("rejects self and unknown users", func() {
			_, err := ctrlA.StartConversation(ctx, alice)
			Expect(err).To(MatchError(chat.ErrSelfConversation))
			_, err = ctrlA.StartConversation(ctx, "nobody")
			Expect(err).To(MatchError(chat.ErrUnknownUser))
		})
	})

	Describe("conversation list", func() {
		It("shows one row per counterpart even with duplicate documents", func() {
			for _, id := range []string{"dup1", "dup2"} {
				Expect(mem.Set(ctx, model.CollectionConversations, id, map[string]any{
					"participants": []any{alice, bob},
					"lastActivity": docstore.ServerTimestamp,
				})).To(Succeed())
			}
			Expect(mem.Set(ctx, model.CollectionConversations, "c3", map[string]any{
				"participants": []any{alice, carol},
				"lastActivity": docstore.ServerTimestamp,
			})).To(Succeed())
			Expect(mem.Set(ctx, model.CollectionConversations, "broken", map[string]any{
				"participants": []any{alice},
				"lastActivity": docstore.ServerTimestamp,
			})).To(Succeed())

			Eventually(func() []string {
				var others []string
				for _, v := range obsA.Conversations() {
					others = append(others, v.CounterpartID)
				}
				return others
			}).Should(ConsistOf(bob, carol))
		})
	})

	Describe("active conversation", func() {
		var convID string

		BeforeEach(func() {
			var err error
			convID, err = ctrlA.StartConversation(ctx, bob)
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses writes before the conversation is live", func() {
			Expect(ctrlA.Send(ctx, "early")).To(MatchError(chat.ErrNotLive))
			Expect(ctrlA.InputChanged(ctx)).To(MatchError(chat.ErrNotLive))
			Expect(messageDocs(convID)).To(BeEmpty())
		})

		It("rejects empty messages without a reply target", func() {
			openLive(ctrlA, convID)
			Expect(ctrlA.Send(ctx, "   ")).To(MatchError(chat.ErrEmptyMessage))
		})

		It("orders messages by server timestamp, not by arrival or id", func() {
			openLive(ctrlA, convID)
			coll := model.MessagesCollection(convID)
			for id, ts := range map[string]float64{"z": 1000, "a": 3000, "m": 2000} {
				Expect(mem.Set(ctx, coll, id, map[string]any{"senderId": bob, "text": id, "createdAt": ts})).To(Succeed())
			}
			Eventually(func() []string {
				var out []string
				for _, m := range obsA.Messages(convID) {
					out = append(out, m.ID)
				}
				return out
			}).Should(Equal([]string{"z", "m", "a"}))
		})

		It("keeps only the most recent window of messages", func() {
			ctrlW := newController(alice, "Alice", newRecorder(), chat.WithMessageWindow(2))
			coll := model.MessagesCollection(convID)
			for i, id := range []string{"m1", "m2", "m3"} {
				Expect(mem.Set(ctx, coll, id, map[string]any{"senderId": bob, "text": id, "createdAt": float64(1000 + i)})).To(Succeed())
			}
			openLive(ctrlW, convID)
			Eventually(func() []string {
				var out []string
				for _, m := range ctrlW.Messages() {
					out = append(out, m.ID)
				}
				return out
			}).Should(Equal([]string{"m2", "m3"}))
		})

		It("replaces a user's reaction instead of adding another", func() {
			openLive(ctrlA, convID)
			Expect(ctrlA.Send(ctx, "react to me")).To(Succeed())
			Eventually(ctrlA.Messages).Should(HaveLen(1))
			msgID := ctrlA.Messages()[0].ID

			Expect(ctrlA.React(ctx, msgID, "👍")).To(Succeed())
			Expect(ctrlA.React(ctx, msgID, "❤️")).To(Succeed())

			doc, err := mem.Get(ctx, model.MessagesCollection(convID), msgID)
			Expect(err).NotTo(HaveOccurred())
			m, err := model.DecodeMessage(*doc)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Reactions).To(Equal(map[string]string{alice: "❤️"}))
		})

		It("deletes own messages for good and keeps the stale preview", func() {
			openLive(ctrlA, convID)
			Expect(ctrlA.Send(ctx, "oops")).To(Succeed())
			Eventually(ctrlA.Messages).Should(HaveLen(1))
			msgID := ctrlA.Messages()[0].ID

			Expect(ctrlA.Delete(ctx, msgID)).To(Succeed())
			Eventually(ctrlA.Messages).Should(BeEmpty())
			Expect(messageDocs(convID)).To(BeEmpty())

			fresh := newController(alice, "Alice", newRecorder())
			openLive(fresh, convID)
			Consistently(fresh.Messages, 100*time.Millisecond).Should(BeEmpty())

			doc, err := mem.Get(ctx, model.CollectionConversations, convID)
			Expect(err).NotTo(HaveOccurred())
			text, _ := doc.Field("lastMessage.text")
			Expect(text).To(Equal("oops"))
		})

		It("refuses to delete someone else's message", func() {
			coll := model.MessagesCollection(convID)
			Expect(mem.Set(ctx, coll, "fromBob", map[string]any{"senderId": bob, "text": "mine", "createdAt": float64(1)})).To(Succeed())
			openLive(ctrlA, convID)
			Eventually(ctrlA.Messages).Should(HaveLen(1))

			Expect(ctrlA.Delete(ctx, "fromBob")).To(MatchError(chat.ErrNotAuthor))
			Expect(messageDocs(convID)).To(HaveLen(1))
		})

		It("does nothing when the deletion is not confirmed", func() {
			ctrlC := newController(alice, "Alice", newRecorder(), chat.WithConfirm(func(context.Context, model.Message) bool { return false }))
			openLive(ctrlC, convID)
			Expect(ctrlC.Send(ctx, "keep me")).To(Succeed())
			Eventually(ctrlC.Messages).Should(HaveLen(1))
			Expect(ctrlC.Delete(ctx, ctrlC.Messages()[0].ID)).To(Succeed())
			Expect(messageDocs(convID)).To(HaveLen(1))
		})

		It("attaches the reply target to the next message", func() {
			coll := model.MessagesCollection(convID)
			Expect(mem.Set(ctx, coll, "q", map[string]any{"senderId": bob, "text": "question?", "createdAt": float64(1)})).To(Succeed())
			openLive(ctrlA, convID)
			Eventually(ctrlA.Messages).Should(HaveLen(1))
			Eventually(obsA.Conversations).Should(HaveLen(1))

			Expect(ctrlA.SetReplyTarget("missing")).To(MatchError(chat.ErrUnknownMessage))
			Expect(ctrlA.SetReplyTarget("q")).To(Succeed())
			Expect(ctrlA.Send(ctx, "answer")).To(Succeed())
			Expect(ctrlA.ReplyTarget()).To(BeNil())

			msgs := messageDocs(convID)
			Expect(msgs).To(HaveLen(2))
			m, err := model.DecodeMessage(msgs[1])
			Expect(err).NotTo(HaveOccurred())
			Expect(m.ReplyTo).To(Equal(&model.ReplyRef{MessageID: "q", Text: "question?", SenderName: "Bob"}))
		})

		It("clears the typing flag exactly once after the debounce", func() {
			openLive(ctrlA, convID)
			typingKey := "typing." + alice

			Expect(ctrlA.InputChanged(ctx)).To(Succeed())
			Expect(ctrlA.InputChanged(ctx)).To(Succeed())
			Expect(ctrlA.InputChanged(ctx)).To(Succeed())
			Expect(timers.Pending()).To(Equal(1))
			Expect(store.count(typingKey, true)).To(Equal(3))

			timers.FireAll()
			timers.FireAll()
			Expect(store.count(typingKey, false)).To(Equal(1))

			doc, err := mem.Get(ctx, model.CollectionConversations, convID)
			Expect(err).NotTo(HaveOccurred())
			flag, _ := doc.Field(typingKey)
			Expect(flag).To(Equal(false))
		})

		It("raises the typing flag again after another tab of the same user cleared it", func() {
			otherTab := newController(alice, "Alice", newRecorder(), chat.WithTimers(&fakeTimers{}))
			openLive(ctrlA, convID)
			openLive(otherTab, convID)
			typingKey := "typing." + alice
			typingFlag := func() any {
				doc, err := mem.Get(ctx, model.CollectionConversations, convID)
				Expect(err).NotTo(HaveOccurred())
				v, _ := doc.Field(typingKey)
				return v
			}

			Expect(ctrlA.InputChanged(ctx)).To(Succeed())
			Expect(otherTab.Send(ctx, "from other tab")).To(Succeed())
			Expect(typingFlag()).To(Equal(false))

			Expect(ctrlA.InputChanged(ctx)).To(Succeed())
			Expect(typingFlag()).To(Equal(true))

			timers.FireAll()
			Expect(typingFlag()).To(Equal(false))
			Expect(store.count(typingKey, false)).To(Equal(2))
		})

		It("lets send clear the typing flag and cancel the timer", func() {
			openLive(ctrlA, convID)
			Expect(ctrlA.InputChanged(ctx)).To(Succeed())
			Expect(ctrlA.Send(ctx, "done typing")).To(Succeed())
			Expect(timers.Pending()).To(Equal(0))

			timers.FireAll()
			Expect(store.count("typing."+alice, false)).To(Equal(1))
			doc, err := mem.Get(ctx, model.CollectionConversations, convID)
			Expect(err).NotTo(HaveOccurred())
			flag, _ := doc.Field("typing." + alice)
			Expect(flag).To(Equal(false))
		})

		It("shows the counterpart's presence", func() {
			openLive(ctrlA, convID)
			Expect(mem.Update(ctx, model.CollectionUsers, bob, map[string]any{"online": true})).To(Succeed())
			Eventually(func() string { return obsA.Presence(convID).Label }).Should(Equal("Active now"))
		})

		It("marks the counterpart's last message as read", func() {
			obsB := newRecorder()
			ctrlB := newController(bob, "Bob", obsB)
			openLive(ctrlA, convID)
			Expect(ctrlA.Send(ctx, "are you there?")).To(Succeed())

			openLive(ctrlB, convID)
			Eventually(func() any {
				doc, err := mem.Get(ctx, model.CollectionConversations, convID)
				if err != nil {
					return nil
				}
				v, _ := doc.Field("lastMessage.read")
				return v
			}).Should(Equal(true))
		})

		It("goes through switching when another conversation opens", func() {
			other, err := ctrlA.StartConversation(ctx, carol)
			Expect(err).NotTo(HaveOccurred())
			openLive(ctrlA, convID)
			openLive(ctrlA, other)

			id, _ := ctrlA.State()
			Expect(id).To(Equal(other))
			Expect(obsA.States()).To(Equal([]chat.State{
				chat.StateLoading, chat.StateLive, chat.StateSwitching, chat.StateLoading, chat.StateLive,
			}))

			ctrlA.CloseConversation()
			_, s := ctrlA.State()
			Expect(s).To(Equal(chat.StateClosed))
			Expect(ctrlA.Send(ctx, "into the void")).To(MatchError(chat.ErrNotLive))
		})

		It("closes the conversation when the messenger is hidden", func() {
			openLive(ctrlA, convID)
			ctrlA.SetVisible(false)
			_, s := ctrlA.State()
			Expect(s).To(Equal(chat.StateClosed))
		})

		It("updates nickname, theme and quick emoji", func() {
			openLive(ctrlA, convID)
			Expect(ctrlA.SetNickname(ctx, bob, "  ")).To(MatchError(chat.ErrInvalidNickname))
			Expect(ctrlA.SetNickname(ctx, carol, "Caz")).To(MatchError(chat.ErrNotParticipant))
			Expect(ctrlA.SetNickname(ctx, bob, "Bobby")).To(Succeed())
			Expect(ctrlA.SetTheme(ctx, "ocean")).To(Succeed())
			Expect(ctrlA.SetQuickEmoji(ctx, "🔥")).To(Succeed())

			Eventually(func() model.ConversationView {
				list := obsA.Conversations()
				if len(list) == 0 {
					return model.ConversationView{}
				}
				return list[0]
			}).Should(SatisfyAll(
				HaveField("Name", "Bobby"),
				HaveField("Theme", "ocean"),
				HaveField("Emoji", "🔥"),
			))
		})

		It("loads only messages with images into the gallery", func() {
			ctrlU := newController(alice, "Alice", newRecorder(), chat.WithUploader(fakeUploader{url: "/api/files/cat.png"}))
			openLive(ctrlU, convID)
			Expect(ctrlU.Send(ctx, "text only")).To(Succeed())
			Expect(ctrlU.SendImage(ctx, "cat.png", strings.NewReader("png"))).To(Succeed())

			items, err := ctrlU.LoadMedia(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].URL).To(Equal("/api/files/cat.png"))

			doc, err := mem.Get(ctx, model.CollectionConversations, convID)
			Expect(err).NotTo(HaveOccurred())
			text, _ := doc.Field("lastMessage.text")
			Expect(text).To(Equal(model.PhotoPreview))
		})

		It("discards a gallery load that finishes after switching conversations", func() {
			Expect(mem.Set(ctx, model.MessagesCollection(convID), "img1", map[string]any{
				"senderId":  bob,
				"imageUrl":  "/api/files/old.png",
				"createdAt": docstore.ServerTimestamp,
			})).To(Succeed())
			otherID, err := ctrlA.StartConversation(ctx, carol)
			Expect(err).NotTo(HaveOccurred())

			gate := newGatedStore(store)
			obsG := newRecorder()
			ctrlG := chat.New(gate, chat.Session{UserID: alice, DisplayName: "Alice"}, obsG)
			Expect(ctrlG.Start(ctx)).To(Succeed())
			DeferCleanup(ctrlG.Dispose)
			openLive(ctrlG, convID)

			type loaded struct {
				items []chat.MediaItem
				err   error
			}
			done := make(chan loaded, 1)
			go func() {
				items, err := ctrlG.LoadMedia(ctx)
				done <- loaded{items: items, err: err}
			}()
			Eventually(gate.entered).Should(BeClosed())

			openLive(ctrlG, otherID)
			close(gate.release)

			var res loaded
			Eventually(done).Should(Receive(&res))
			Expect(res.err).NotTo(HaveOccurred())
			Expect(res.items).To(BeEmpty())
			Consistently(obsG.MediaLoads, 100*time.Millisecond).Should(BeZero())
		})

		It("reports upload failures as a notice", func() {
			obsU := newRecorder()
			ctrlU := newController(alice, "Alice", obsU, chat.WithUploader(fakeUploader{err: errors.New("503")}))
			openLive(ctrlU, convID)
			Expect(ctrlU.SendImage(ctx, "cat.png", strings.NewReader("png"))).NotTo(Succeed())
			Expect(obsU.Notices()).To(ContainElement(HaveField("Level", chat.NoticeError)))
			Expect(messageDocs(convID)).To(BeEmpty())
		})

		It("refuses image uploads without an uploader", func() {
			openLive(ctrlA, convID)
			Expect(ctrlA.SendImage(ctx, "cat.png", strings.NewReader("png"))).To(MatchError(chat.ErrNoUploader))
		})

		It("pushes a notification to the recipient", func() {
			n := &fakeNotifier{}
			ctrlN := newController(alice, "Alice", newRecorder(), chat.WithNotifier(n))
			openLive(ctrlN, convID)
			Expect(ctrlN.Send(ctx, "ping")).To(Succeed())
			Expect(n.Sent()).To(ConsistOf(HaveField("UserID", bob)))
			Expect(n.Sent()[0].N.Body).To(Equal("ping"))
		})
	})

	Describe("blocking", func() {
		var (
			convID string
			ctrlB  *chat.Controller
		)

		BeforeEach(func() {
			var err error
			convID, err = ctrlA.StartConversation(ctx, bob)
			Expect(err).NotTo(HaveOccurred())
			ctrlB = newController(bob, "Bob", newRecorder())
			openLive(ctrlA, convID)
		})

		It("refuses sends to a recipient who blocked the sender until unblocked", func() {
			// Ждём, пока кэш профиля собеседника увидит изменение блок-листа.
			Eventually(obsA.PresenceUpdates).Should(BeNumerically(">=", 1))
			seen := obsA.PresenceUpdates()
			Expect(ctrlB.Block(ctx, alice)).To(Succeed())
			Eventually(obsA.PresenceUpdates).Should(BeNumerically(">", seen))
			Eventually(func() bool { return ctrlB.IsBlocked(alice) }).Should(BeTrue())

			Expect(ctrlA.Send(ctx, "let me in")).To(MatchError(chat.ErrBlocked))
			Expect(messageDocs(convID)).To(BeEmpty())
			Expect(obsA.Notices()).To(ContainElement(HaveField("Op", "Send")))

			seen = obsA.PresenceUpdates()
			Expect(ctrlB.Unblock(ctx, alice)).To(Succeed())
			Eventually(obsA.PresenceUpdates).Should(BeNumerically(">", seen))
			Expect(ctrlA.Send(ctx, "thanks")).To(Succeed())
			Expect(messageDocs(convID)).To(HaveLen(1))
		})

		It("does not stop the blocker from sending", func() {
			Expect(ctrlA.Block(ctx, bob)).To(Succeed())
			Eventually(func() bool { return ctrlA.IsBlocked(bob) }).Should(BeTrue())
			Expect(ctrlA.Send(ctx, "I can still talk")).To(Succeed())
		})
	})

	Describe("Dispose", func() {
		It("is safe to call twice and rejects further use", func() {
			c := chat.New(store, chat.Session{UserID: carol}, nil)
			c.Dispose()
			c.Dispose()
			Expect(c.Start(ctx)).To(MatchError(chat.ErrDisposed))
			Expect(c.Open(ctx, "anything")).To(MatchError(chat.ErrDisposed))
		})
	})
})
