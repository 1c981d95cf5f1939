package bot

import "github.com/bwmarrin/discordgo"

// Staff commands are visible to Manage Messages by default; guilds can widen
// that in their integration settings for staff roles.
var staffPermission int64 = discordgo.PermissionManageMessages

func userOption(description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        "user",
		Description: description,
		Required:    required,
	}
}

func stringOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: description,
		Required:    required,
	}
}

func channelOption(description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionChannel,
		Name:         "channel",
		Description:  description,
		Required:     required,
		ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
	}
}

func roleOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionRole,
		Name:        "role",
		Description: description,
		Required:    true,
	}
}

func subcommand(name, description string, options ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: description,
		Options:     options,
	}
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	dmPermission := false
	exemptScope := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "scope",
		Description: "Which checks the channel skips",
		Required:    true,
		Choices: []*discordgo.ApplicationCommandOptionChoice{
			{Name: "spam", Value: "spam"},
			{Name: "links", Value: "links"},
		},
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:                     "automod",
			Description:              "Configure automatic moderation",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand("enable", "Turn automod on"),
				subcommand("disable", "Turn automod off"),
				subcommand("status", "Show the automod settings"),
				subcommand("log", "Set the channel that receives automod records", channelOption("Log channel", true)),
				subcommand("exempt", "Exempt a channel from spam or link checks", channelOption("Channel to exempt", true), exemptScope),
				subcommand("unexempt", "Remove a channel exemption", channelOption("Channel to restore", true), exemptScope),
				subcommand("policy", "Pick the detection policy", &discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "simple or strict",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "simple", Value: "simple"},
						{Name: "strict", Value: "strict"},
					},
				}),
				subcommand("staff", "Toggle a role that bypasses automod and may moderate", roleOption("Staff role")),
				subcommand("verified", "Set the role granted by /verify", roleOption("Verified role")),
				subcommand("report", "Summarize moderation events", &discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "days",
					Description: "How far back to look (default 7)",
					Required:    false,
				}),
			},
		},
		{
			Name:                     "leveling",
			Description:              "Configure leveling",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand("channel", "Set the level-up announcement channel", channelOption("Announcement channel", true)),
			},
		},
		{
			Name:                     "levelrole",
			Description:              "Manage roles granted at levels",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand("add", "Grant a role when members reach a level",
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "level",
						Description: "Level that grants the role",
						Required:    true,
					},
					roleOption("Role to grant"),
				),
				subcommand("remove", "Stop granting a role at any level", roleOption("Role to stop granting")),
				subcommand("list", "Show the level roles"),
			},
		},
		{
			Name:         "level",
			Description:  "Show a member's level",
			DMPermission: &dmPermission,
			Options:      []*discordgo.ApplicationCommandOption{userOption("Member to look up (defaults to you)", false)},
		},
		{
			Name:         "verify",
			Description:  "Get the verified role",
			DMPermission: &dmPermission,
		},
		{
			Name:                     "warn",
			Description:              "Warn a member",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member to warn", true),
				stringOption("reason", "Why the member is warned", false),
			},
		},
		{
			Name:                     "warnings",
			Description:              "List a member's warnings",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options:                  []*discordgo.ApplicationCommandOption{userOption("Member to inspect", true)},
		},
		{
			Name:                     "unwarn",
			Description:              "Remove a member's most recent warnings",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member to clear", true),
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "count",
					Description: "How many warnings to remove (default 1)",
					Required:    false,
				},
			},
		},
		{
			Name:                     "timeout",
			Description:              "Mute a member for a while",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member to mute", true),
				stringOption("duration", "Between 1m and 7d, e.g. 10m, 2h, 1d", true),
				stringOption("reason", "Why the member is muted", false),
			},
		},
		{
			Name:                     "untimeout",
			Description:              "Lift a member's timeout",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options:                  []*discordgo.ApplicationCommandOption{userOption("Member to unmute", true)},
		},
		{
			Name:                     "ban",
			Description:              "Ban a member, optionally for a limited time",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member to ban", true),
				stringOption("duration", "Lift the ban after this long (up to 5 years), e.g. 1d, 2w", false),
				stringOption("reason", "Why the member is banned", false),
			},
		},
		{
			Name:                     "unban",
			Description:              "Lift a ban",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options:                  []*discordgo.ApplicationCommandOption{userOption("User to unban", true)},
		},
		{
			Name:                     "kick",
			Description:              "Kick a member",
			DefaultMemberPermissions: &staffPermission,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member to kick", true),
				stringOption("reason", "Why the member is kicked", false),
			},
		},
	}
}

func (b *Bot) registerCommands() error {
	commands := commandDefinitions()

	appID := b.session.State.User.ID
	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		for _, cmd := range commands {
			if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
				return err
			}
		}
		return nil
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}
