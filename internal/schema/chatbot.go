package schema

// Model names.
const (
	User                 = "User"
	Chatbot              = "Chatbot"
	Conversation         = "Conversation"
	Message              = "Message"
	Integration          = "Integration"
	MessageTemplate      = "MessageTemplate"
	ChatbotCustomization = "ChatbotCustomization"
	Flow                 = "Flow"
	Analytics            = "Analytics"
)

// Chatbots returns a fresh copy of the administration platform schema.
func Chatbots() *Schema {
	return MustNew(
		&Model{
			Name:  User,
			Table: "users",
			Fields: []*Field{
				ID(),
				String("email").WithUnique(),
				String("password"),
				String("name").Optional(),
				CreatedAt(),
				UpdatedAt(),
			},
			Relations: []*Relation{
				HasMany("chatbots", Chatbot, "userId"),
				HasMany("integrations", Integration, "userId"),
				HasMany("analytics", Analytics, "userId"),
			},
		},
		&Model{
			Name:  Chatbot,
			Table: "chatbots",
			Fields: []*Field{
				ID(),
				String("name"),
				String("description").Optional(),
				Int("userId"),
				CreatedAt(),
				UpdatedAt(),
			},
			Relations: []*Relation{
				BelongsTo("user", User, "userId", Restrict),
				HasMany("conversations", Conversation, "chatbotId"),
				HasMany("integrations", Integration, "chatbotId"),
				HasMany("messageTemplates", MessageTemplate, "chatbotId"),
				HasOne("customization", ChatbotCustomization, "chatbotId"),
				HasMany("flows", Flow, "chatbotId"),
				HasMany("analytics", Analytics, "chatbotId"),
			},
		},
		&Model{
			Name:  Conversation,
			Table: "conversations",
			Fields: []*Field{
				ID(),
				Int("chatbotId"),
				CreatedAt(),
				UpdatedAt(),
			},
			Relations: []*Relation{
				BelongsTo("chatbot", Chatbot, "chatbotId", Cascade),
				HasMany("messages", Message, "conversationId"),
			},
		},
		&Model{
			Name:  Message,
			Table: "messages",
			Fields: []*Field{
				ID(),
				Int("conversationId"),
				String("content"),
				String("sender"),
				CreatedAt(),
			},
			Relations: []*Relation{
				BelongsTo("conversation", Conversation, "conversationId", Cascade),
			},
			Immutable: true,
		},
		&Model{
			Name:  Integration,
			Table: "integrations",
			Fields: []*Field{
				ID(),
				Int("userId"),
				String("type"),
				String("token").Optional(),
				JSON("config").Optional(),
				CreatedAt(),
				UpdatedAt(),
				Int("chatbotId").Optional(),
			},
			Relations: []*Relation{
				BelongsTo("user", User, "userId", Cascade),
				BelongsTo("chatbot", Chatbot, "chatbotId", SetNull),
			},
		},
		&Model{
			Name:  MessageTemplate,
			Table: "message_templates",
			Fields: []*Field{
				ID(),
				Int("chatbotId"),
				String("title"),
				String("content"),
				CreatedAt(),
				UpdatedAt(),
			},
			Relations: []*Relation{
				BelongsTo("chatbot", Chatbot, "chatbotId", Cascade),
			},
		},
		&Model{
			Name:  ChatbotCustomization,
			Table: "chatbot_customizations",
			Fields: []*Field{
				ID(),
				Int("chatbotId").WithUnique(),
				String("name").Optional(),
				String("avatar").Optional(),
				String("greeting").Optional(),
				String("personality").Optional(),
				String("tone").Optional(),
				String("language").Optional(),
				JSON("config"),
				CreatedAt(),
				UpdatedAt(),
			},
			Relations: []*Relation{
				BelongsTo("chatbot", Chatbot, "chatbotId", Cascade),
			},
		},
		&Model{
			Name:  Flow,
			Table: "flows",
			Fields: []*Field{
				ID(),
				Int("chatbotId"),
				String("name"),
				JSON("steps"),
				CreatedAt(),
				UpdatedAt(),
			},
			Relations: []*Relation{
				BelongsTo("chatbot", Chatbot, "chatbotId", Cascade),
			},
		},
		&Model{
			Name:  Analytics,
			Table: "analytics",
			Fields: []*Field{
				ID(),
				Int("chatbotId"),
				Int("userId").Optional(),
				String("action"),
				timestamp(),
			},
			Relations: []*Relation{
				BelongsTo("chatbot", Chatbot, "chatbotId", Cascade),
				BelongsTo("user", User, "userId", SetNull),
			},
		},
	)
}

func timestamp() *Field {
	f := DateTime("timestamp")
	f.CreatedStamp = true
	return f
}
